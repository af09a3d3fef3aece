package devices

import "fmt"

// Policy chooses which candidates win when more devices exist than slots
type Policy string

const (
	// PolicyLast keeps the last N candidates after the skip
	PolicyLast Policy = "last"
	// PolicyFirst keeps the first N candidates after the skip
	PolicyFirst Policy = "first"
)

// ParsePolicy validates a policy name
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyLast, PolicyFirst:
		return Policy(s), nil
	case "":
		return PolicyLast, nil
	default:
		return "", fmt.Errorf("unknown selection policy %q", s)
	}
}

// Select drops the first skip addresses, then keeps at most n of the rest
// according to policy. Scan order is preserved in the result.
func Select(addrs []string, skip, n int, policy Policy) []string {
	if skip < 0 {
		skip = 0
	}
	if skip >= len(addrs) || n <= 0 {
		return nil
	}
	rest := addrs[skip:]
	if len(rest) > n {
		if policy == PolicyFirst {
			rest = rest[:n]
		} else {
			rest = rest[len(rest)-n:]
		}
	}
	out := make([]string, len(rest))
	copy(out, rest)
	return out
}

// SelectAudio picks one audio address, or "" when none is left after the skip
func SelectAudio(addrs []string, skip int, policy Policy) string {
	picked := Select(addrs, skip, 1, policy)
	if len(picked) == 0 {
		return ""
	}
	return picked[0]
}
