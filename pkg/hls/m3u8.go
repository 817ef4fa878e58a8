package hls

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sigurn/crc16"
)

// checksumTable stamps each recorded segment with a CRC-16 over its TS
// bytes, recorded alongside the VOD record's playlist bookkeeping — a
// second, coarser integrity signal than the live per-segment CRC-8 in
// ts.go, used when segments are mirrored to durable storage.
var checksumTable = crc16.MakeTable(crc16.CCITT_FALSE)

// Segment is one flushed MPEG-TS file.
type Segment struct {
	DurationMS   int64
	Discontinuity bool
	Name         string
	DiskPath     string
	IsEOF        bool

	checksum uint8
}

// playlist is the live-window FIFO plus the M3U8 text generator, grounded
// directly on protocol/hls/src/m3u8.rs's M3u8 struct and methods.
type playlist struct {
	version    int
	sequenceNo uint64
	duration   int64 // ms, max segment duration seen so far
	liveCount  int

	segments []Segment

	folder string
	name   string

	record *record
}

func newPlaylist(duration int64, liveCount int, folder, name string, rec *record) *playlist {
	return &playlist{
		version:   3,
		duration:  duration,
		liveCount: liveCount,
		folder:    folder,
		name:      name,
		record:    rec,
	}
}

// addSegment appends seg to the live window, evicting and deleting the
// oldest segment's file once the window exceeds liveCount.
func (p *playlist) addSegment(seg Segment) error {
	if len(p.segments) >= p.liveCount {
		old := p.segments[0]
		p.segments = p.segments[1:]
		if err := os.Remove(old.DiskPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("hls: delete evicted segment %s: %w", old.DiskPath, err)
		}
		p.sequenceNo++
	}

	if seg.DurationMS > p.duration {
		p.duration = seg.DurationMS
	}

	if p.record != nil {
		p.record.appendSegment(seg)
	}

	p.segments = append(p.segments, seg)
	return nil
}

// header renders the fixed M3U8 preamble.
func (p *playlist) header() string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	fmt.Fprintf(&b, "#EXT-X-VERSION:%d\n", p.version)
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", (p.duration+999)/1000)
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", p.sequenceNo)
	return b.String()
}

// refresh renders the full playlist body and writes it to disk, returning
// the text written.
func (p *playlist) refresh() (string, error) {
	var b strings.Builder
	b.WriteString(p.header())

	for _, seg := range p.segments {
		if seg.Discontinuity {
			b.WriteString("#EXT-X-DISCONTINUITY\n")
		}
		fmt.Fprintf(&b, "#EXTINF:%.3f\n%s\n", float64(seg.DurationMS)/1000.0, seg.Name)
		if seg.IsEOF {
			b.WriteString("#EXT-X-ENDLIST\n")
			break
		}
	}

	content := b.String()
	path := filepath.Join(p.folder, p.name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("hls: write playlist %s: %w", path, err)
	}
	return content, nil
}

// clear removes every live segment's file and the playlist file itself,
// finalizing the VOD record if one is active.
func (p *playlist) clear() error {
	if p.record != nil {
		if err := p.record.flush(); err != nil {
			return err
		}
	}

	for _, seg := range p.segments {
		_ = os.Remove(seg.DiskPath)
	}

	path := filepath.Join(p.folder, p.name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("hls: remove playlist %s: %w", path, err)
	}
	return nil
}
