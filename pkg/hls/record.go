package hls

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sigurn/crc16"
)

// record accumulates a VOD playlist alongside the live one, mirrored to a
// record directory, grounded directly on protocol/hls/src/record.rs.
type record struct {
	path    string
	content strings.Builder
	dir     string
}

func newRecord(path string, durationMS int64) *record {
	r := &record{path: path, dir: filepath.Dir(path)}
	fmt.Fprintf(&r.content, "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:%d\n", (durationMS+999)/1000)
	r.content.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n#EXT-X-PLAYLIST-TYPE:VOD\n#EXT-X-ALLOW-CACHE:YES\n")
	return r
}

// appendSegment mirrors seg's TS file into the record directory, stamping
// it with a CRC-16 sidecar file so a later archival pass can detect a
// mirror corrupted by a partial disk write without re-muxing the source —
// a coarser, durable-storage-oriented checksum than ts.go's per-segment
// CRC-8, which only covers the live copy's in-memory lifetime.
func (r *record) appendSegment(seg Segment) error {
	data, err := os.ReadFile(seg.DiskPath)
	if err != nil {
		return fmt.Errorf("hls: record segment %s: %w", seg.Name, err)
	}

	mirrored := filepath.Join(r.dir, filepath.Base(seg.DiskPath))
	if err := os.WriteFile(mirrored, data, 0o644); err != nil {
		return fmt.Errorf("hls: record segment %s: %w", seg.Name, err)
	}

	checksum := crc16.Checksum(data, checksumTable)
	sidecar := mirrored + ".crc16"
	if err := os.WriteFile(sidecar, []byte(fmt.Sprintf("%04x", checksum)), 0o644); err != nil {
		return fmt.Errorf("hls: record checksum %s: %w", seg.Name, err)
	}

	if seg.Discontinuity {
		r.content.WriteString("#EXT-X-DISCONTINUITY\n")
	}
	fmt.Fprintf(&r.content, "#EXTINF:%.3f\n%s\n", float64(seg.DurationMS)/1000.0, seg.Name)
	return nil
}

// flush finalizes the VOD playlist with #EXT-X-ENDLIST and writes it out.
func (r *record) flush() error {
	r.content.WriteString("#EXT-X-ENDLIST\n")
	return os.WriteFile(r.path, []byte(r.content.String()), 0o644)
}
