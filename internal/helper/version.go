package helper

import (
	"context"
	"fmt"

	"github.com/Masterminds/semver"
)

// MinHelperVersion is the oldest helper protocol this client speaks.
const MinHelperVersion = "0.3.0"

// CheckVersion fetches the helper version and verifies it is at least
// MinHelperVersion. Returns the reported version either way so callers can
// display it.
func CheckVersion(ctx context.Context, c *Client) (string, error) {
	raw, err := c.GetVersion(ctx)
	if err != nil {
		return "", err
	}
	v, err := semver.NewVersion(raw)
	if err != nil {
		return raw, fmt.Errorf("helper reported unparseable version %q: %w", raw, err)
	}
	min := semver.MustParse(MinHelperVersion)
	if v.LessThan(min) {
		return raw, fmt.Errorf("helper version %s is older than required %s", raw, MinHelperVersion)
	}
	return raw, nil
}
