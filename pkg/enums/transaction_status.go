package enums

// TransactionStatus mirrors the outcome of a recorded payment.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusSucceeded TransactionStatus = "succeeded"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusRefunded  TransactionStatus = "refunded"
)

var transactionStatuses = set[TransactionStatus]{
	TransactionStatusPending,
	TransactionStatusSucceeded,
	TransactionStatusFailed,
	TransactionStatusRefunded,
}

func (s TransactionStatus) String() string { return string(s) }

func (s TransactionStatus) IsValid() bool { return transactionStatuses.has(s) }

func ParseTransactionStatus(value string) (TransactionStatus, error) {
	return transactionStatuses.parse("transaction status", value)
}
