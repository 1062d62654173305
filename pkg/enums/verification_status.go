package enums

// VerificationStatus summarizes a merchant account's ability to take payments.
type VerificationStatus string

const (
	VerificationStatusPending    VerificationStatus = "pending"
	VerificationStatusRestricted VerificationStatus = "restricted"
	VerificationStatusVerified   VerificationStatus = "verified"
)

var verificationStatuses = set[VerificationStatus]{
	VerificationStatusPending,
	VerificationStatusRestricted,
	VerificationStatusVerified,
}

func (v VerificationStatus) String() string { return string(v) }

func (v VerificationStatus) IsValid() bool { return verificationStatuses.has(v) }

func ParseVerificationStatus(value string) (VerificationStatus, error) {
	return verificationStatuses.parse("verification status", value)
}
