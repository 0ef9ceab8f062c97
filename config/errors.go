package config

import "fmt"

func errInvalidGroupSize(n, f int) error {
	return fmt.Errorf("invalid group size: n=%d must be >= 3f+1 for f=%d", n, f)
}

func errNonPositive(field string) error {
	return fmt.Errorf("invalid configuration: %s must be positive", field)
}
