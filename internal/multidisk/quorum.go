package multidisk

// Quorum returns the number of disks required for a majority of n
func Quorum(n int) int {
	return (n / 2) + 1
}

// IsQuorumReached checks if successes form a majority of total
func IsQuorumReached(successes, total int) bool {
	return successes >= Quorum(total)
}
