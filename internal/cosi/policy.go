package cosi

// Policy decides whether enough members signed.
type Policy interface {
	Check(signers, total int) bool
}

// ThresholdPolicy accepts signatures with at least that many participants.
type ThresholdPolicy int

func (t ThresholdPolicy) Check(signers, _ int) bool {
	return signers >= int(t)
}

// CompletePolicy requires every member.
type CompletePolicy struct{}

func (CompletePolicy) Check(signers, total int) bool {
	return signers == total
}

// Threshold is the number of signers needed out of n to tolerate (n-1)/3
// faulty members.
func Threshold(n int) int {
	return n - (n-1)/3
}

// DefaultPolicy is the byzantine threshold policy for a roster of n.
func DefaultPolicy(n int) Policy {
	return ThresholdPolicy(Threshold(n))
}
