package session

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Summary renders a Stats value as a human-readable one-liner, logged
// when the server shuts down.
func (s Stats) Summary() string {
	return fmt.Sprintf(
		"active=%d total=%d rejected=%d transferred=%s",
		s.Active, s.Total, s.Rejected, humanize.Bytes(s.TotalBytes),
	)
}
