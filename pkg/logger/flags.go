package logger

import (
	"flag"
	"fmt"
	"strings"
)

// Flags holds the command-line flags controlling the logger.
type Flags struct {
	LogLevel    string
	LogFormat   string
	LogFile     string
	DebugRTP    bool
	DebugNAL    bool
	DebugTrack  bool
	DebugRTSP   bool
	DebugHub    bool
	DebugAll    bool
}

// RegisterFlags registers logging flags on fs.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.StringVar(&f.LogLevel, "l", "info", "Log level (shorthand)")

	fs.StringVar(&f.LogFormat, "log-format", "text", "Log output format: text, json")

	fs.StringVar(&f.LogFile, "log-file", "", "Log output file path (default: stdout)")
	fs.StringVar(&f.LogFile, "o", "", "Log output file path (shorthand)")

	fs.BoolVar(&f.DebugRTP, "debug-rtp", false, "Enable RTP packet debugging (sequence, timestamp, payload)")
	fs.BoolVar(&f.DebugNAL, "debug-nal", false, "Enable NAL unit debugging (type, size, fragmentation)")
	fs.BoolVar(&f.DebugTrack, "debug-track", false, "Enable track lifecycle debugging")
	fs.BoolVar(&f.DebugRTSP, "debug-rtsp", false, "Enable RTSP protocol debugging")
	fs.BoolVar(&f.DebugHub, "debug-hub", false, "Enable stream hub fan-out debugging")
	fs.BoolVar(&f.DebugAll, "debug-all", false, "Enable all debug categories")

	return f
}

// ToConfig converts Flags into a logger Config.
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	level, err := ParseLevel(f.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	format, err := ParseFormat(f.LogFormat)
	if err != nil {
		return nil, err
	}
	cfg.Format = format

	cfg.OutputFile = f.LogFile

	if f.DebugAll {
		cfg.EnableCategory(DebugAll)
		cfg.Level = LevelDebug
	}
	if f.DebugRTP {
		cfg.EnableCategory(DebugRTP)
		cfg.Level = LevelDebug
	}
	if f.DebugNAL {
		cfg.EnableCategory(DebugNAL)
		cfg.Level = LevelDebug
	}
	if f.DebugTrack {
		cfg.EnableCategory(DebugTrack)
		cfg.Level = LevelDebug
	}
	if f.DebugRTSP {
		cfg.EnableCategory(DebugRTSP)
		cfg.Level = LevelDebug
	}
	if f.DebugHub {
		cfg.EnableCategory(DebugHub)
		cfg.Level = LevelDebug
	}

	return cfg, nil
}

// String renders the flags for a startup log line.
func (f *Flags) String() string {
	var cats []string
	if f.DebugAll {
		cats = append(cats, "all")
	}
	if f.DebugRTP {
		cats = append(cats, "rtp")
	}
	if f.DebugNAL {
		cats = append(cats, "nal")
	}
	if f.DebugTrack {
		cats = append(cats, "track")
	}
	if f.DebugRTSP {
		cats = append(cats, "rtsp")
	}
	if f.DebugHub {
		cats = append(cats, "hub")
	}
	return fmt.Sprintf("level=%s format=%s file=%q debug=[%s]", f.LogLevel, f.LogFormat, f.LogFile, strings.Join(cats, ","))
}

// PrintUsageExamples prints example invocations to stderr-style usage text.
func PrintUsageExamples() string {
	return "\nExamples:\n" +
		"  streamgw --log-level=debug --debug-rtsp\n" +
		"  streamgw --log-format=json --log-file=/var/log/streamgw.log\n"
}
