package swarmcache

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
)

// WriteStatus writes a human readable summary of the orchestrator and its sessions.
func (o *Orchestrator) WriteStatus(w io.Writer) {
	fmt.Fprintf(w, "Base dir: %q\n", o.BaseDir())
	fmt.Fprintf(w, "Fast resume records: %d\n", o.fastResume.Len())
	entries := o.registry.Entries()
	present := 0
	for _, e := range entries {
		if e.Present {
			present++
		}
	}
	fmt.Fprintf(w, "Cache entries: %d (%d present)\n", len(entries), present)
	if o.closed.IsSet() {
		fmt.Fprintln(w, "Closed")
		return
	}
	sessions := o.Sessions()
	slices.SortFunc(sessions, func(l, r *Session) int {
		return strings.Compare(l.InfoHash().HexString(), r.InfoHash().HexString())
	})
	fmt.Fprintf(w, "Sessions: %d\n", len(sessions))
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "infohash\tname\tmode\tstate\trefs\tpieces\thashed\tconns\tdown\tup\tage\n")
	for _, s := range sessions {
		stats := s.Stats()
		fmt.Fprintf(tw, "%s\t%s\t%v\t%v\t%d\t%d/%d\t%d\t%d\t%s\t%s\t%s\n",
			s.InfoHash().HexString(),
			s.Descriptor().Name(),
			s.Mode(),
			s.State(),
			s.Refs(),
			stats.PiecesComplete,
			stats.NumPieces,
			stats.PiecesHashed,
			stats.OpenConnections,
			humanize.Bytes(uint64(stats.BytesDownloadedData)),
			humanize.Bytes(uint64(stats.BytesUploadedData)),
			time.Since(s.Started()).Truncate(time.Second),
		)
	}
	tw.Flush()
}
