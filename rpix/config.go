package rpix

import (
	"encoding"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/ShoshinNikita/rpix/pkg/rlog"
)

type Config struct {
	BuildInfo BuildInfo

	ServerPort int
	Dir        string

	AppVersion      int
	DiskCacheSize   MiB
	MemoryCacheSize MiB
	DiskFormat      DiskFormat

	WorkersCount    int
	MaxDecodeWidth  int
	MaxDecodeHeight int
	FetchTimeout    time.Duration
	ResourcesDir    string
	FilesDir        string

	// Debug options

	LogLevel rlog.Level
}

type BuildInfo struct {
	ShortGitHash string
	CommitTime   string
}

type DiskFormat string

const (
	// PNG is lossless, so a bitmap read from the disk is equal to the decoded one.
	DiskFormatPNG DiskFormat = "png"
	// JPEG files are smaller, but lossy and without alpha channel.
	DiskFormatJPEG DiskFormat = "jpeg"
)

func (f DiskFormat) MarshalText() (text []byte, err error) {
	return []byte(f), nil
}

func (f *DiskFormat) UnmarshalText(text []byte) error {
	*f = DiskFormat(text)

	return checkEnum(*f, DiskFormatPNG, DiskFormatJPEG)
}

func checkEnum[T comparable](v T, validValues ...T) error {
	if !slices.Contains(validValues, v) {
		return fmt.Errorf("valid values: %v", validValues)
	}
	return nil
}

type MiB int

func (mb MiB) Bytes() int64 {
	return int64(mb) << 20
}

func (mb MiB) String() string {
	text, _ := mb.MarshalText()
	return string(text)
}

func (mb MiB) MarshalText() (text []byte, err error) {
	if mb >= 1024 && mb%1024 == 0 {
		return []byte(strconv.Itoa(int(mb/1024)) + "Gi"), nil
	}
	return []byte(strconv.Itoa(int(mb)) + "Mi"), nil
}

func (mb *MiB) UnmarshalText(data []byte) error {
	text := string(data)

	mul := 1
	switch {
	case strings.HasSuffix(text, "Mi"):
	case strings.HasSuffix(text, "Gi"):
		mul = 1024
	default:
		return fmt.Errorf("valid suffixes: Mi, Gi")
	}
	n, err := strconv.Atoi(text[:len(text)-2])
	if err != nil {
		return fmt.Errorf("invalid size: %w", err)
	}

	*mb = MiB(n * mul)
	return nil
}

type flagParams struct {
	// p is a pointer to a value.
	p            any
	defaultValue any
	desc         string
}

func (cfg *Config) getFlagParams() map[string]flagParams {
	return map[string]flagParams{
		"port": {
			p: &cfg.ServerPort, defaultValue: 8080, desc: "Server port",
		},
		"dir": {
			p: &cfg.Dir, defaultValue: "./var", desc: "Directory for app data (disk cache and etc.)",
		},
		//
		"app-version": {
			p: &cfg.AppVersion, defaultValue: 1, desc: "" +
				"Version of the cached data. The disk cache is wiped on startup\n" +
				"if it was written with another version",
		},
		"disk-cache-size": {
			p: &cfg.DiskCacheSize, defaultValue: MiB(250), desc: "Max total size of the disk cache, 0Mi disables it",
		},
		"memory-cache-size": {
			p: &cfg.MemoryCacheSize, defaultValue: MiB(64), desc: "Max total size of decoded images kept in memory",
		},
		"disk-format": {
			p: &cfg.DiskFormat, defaultValue: DiskFormatPNG, desc: "" +
				"Available formats of the disk cache:\n" +
				"  - png: lossless, larger files\n" +
				"  - jpeg: small files, but every disk hit loses quality and transparency\n",
		},
		//
		"workers-count": {
			p: &cfg.WorkersCount, defaultValue: runtime.NumCPU(), desc: "Number of workers for fetching and decoding",
		},
		"max-decode-width": {
			p: &cfg.MaxDecodeWidth, defaultValue: 1920, desc: "Max width of images decoded without a target size",
		},
		"max-decode-height": {
			p: &cfg.MaxDecodeHeight, defaultValue: 1080, desc: "Max height of images decoded without a target size",
		},
		"fetch-timeout": {
			p: &cfg.FetchTimeout, defaultValue: time.Duration(0), desc: "Timeout of a single fetch, 0 means no timeout",
		},
		"resources-dir": {
			p: &cfg.ResourcesDir, defaultValue: "", desc: "" +
				"Directory with embedded resources, optional. Files must be named\n" +
				"by their numeric id, e.g. 12.png",
		},
		"files-dir": {
			p: &cfg.FilesDir, defaultValue: "", desc: "" +
				"Directory with local images served by absolute path, optional.\n" +
				"Local files aren't served if it is empty",
		},
		//
		"log-level": {
			p: &cfg.LogLevel, defaultValue: rlog.LevelInfo, desc: "Set the minimal log level. One of: debug, info, warn, error",
		},
	}
}

// ErrPrintVersion is returned by [ParseConfig] when --version is passed.
var ErrPrintVersion = errors.New("print version")

func ParseConfig(args []string) (Config, error) {
	cfg := Config{
		BuildInfo: readBuildInfo(),
	}

	flagSet := flag.NewFlagSet("rpix", flag.ContinueOnError)
	flagSet.SetOutput(os.Stderr)

	printVersion := flagSet.Bool("version", false, "Print version and exit")

	flags := cfg.getFlagParams()
	for name, params := range flags {
		switch p := params.p.(type) {
		case *bool:
			flagSet.BoolVar(p, name, params.defaultValue.(bool), params.desc)
		case *int:
			flagSet.IntVar(p, name, params.defaultValue.(int), params.desc)
		case *int64:
			flagSet.Int64Var(p, name, params.defaultValue.(int64), params.desc)
		case *string:
			flagSet.StringVar(p, name, params.defaultValue.(string), params.desc)
		case *time.Duration:
			flagSet.DurationVar(p, name, params.defaultValue.(time.Duration), params.desc)
		case textValueTarget:
			v, err := newTextValue(p, params.defaultValue.(encoding.TextMarshaler))
			if err != nil {
				return Config{}, fmt.Errorf("invalid default value of flag %q: %w", name, err)
			}
			flagSet.Var(v, name, params.desc)
		default:
			return Config{}, fmt.Errorf("flag %q has unsupported type: %T", name, p)
		}
	}

	if err := flagSet.Parse(args); err != nil {
		return Config{}, err
	}

	if *printVersion {
		return cfg, ErrPrintVersion
	}

	if cfg.ServerPort <= 0 {
		return cfg, errors.New("server port must be > 0")
	}
	if cfg.Dir == "" {
		return cfg, errors.New("dir can't be empty")
	}
	if cfg.DiskCacheSize < 0 {
		return cfg, errors.New("disk cache size can't be negative")
	}
	if cfg.MemoryCacheSize <= 0 {
		return cfg, errors.New("memory cache size must be > 0")
	}
	if cfg.WorkersCount <= 0 {
		return cfg, errors.New("workers count must be > 0")
	}
	if cfg.MaxDecodeWidth <= 0 || cfg.MaxDecodeHeight <= 0 {
		return cfg, errors.New("max decode size must be > 0")
	}
	if cfg.FetchTimeout < 0 {
		return cfg, errors.New("fetch timeout can't be negative")
	}

	return cfg, nil
}

type textValueTarget interface {
	encoding.TextUnmarshaler
	encoding.TextMarshaler
}

// textValue adapts text (un)marshalers to [flag.Value].
type textValue struct {
	p textValueTarget
}

func newTextValue(p textValueTarget, defaultValue encoding.TextMarshaler) (textValue, error) {
	text, err := defaultValue.MarshalText()
	if err != nil {
		return textValue{}, err
	}
	if err := p.UnmarshalText(text); err != nil {
		return textValue{}, err
	}
	return textValue{p: p}, nil
}

func (v textValue) String() string {
	if v.p == nil {
		return ""
	}
	text, _ := v.p.MarshalText()
	return string(text)
}

func (v textValue) Set(s string) error {
	return v.p.UnmarshalText([]byte(s))
}

func (v textValue) Type() string {
	return reflect.TypeOf(v.p).Elem().Name()
}

func readBuildInfo() BuildInfo {
	res := BuildInfo{
		ShortGitHash: "unknown",
		CommitTime:   "unknown",
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return res
	}

	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			res.ShortGitHash = s.Value
			if len(res.ShortGitHash) > 7 {
				res.ShortGitHash = res.ShortGitHash[:7]
			}

		case "vcs.time":
			t, err := time.Parse(time.RFC3339, s.Value)
			if err == nil {
				res.CommitTime = t.UTC().Format("2006-01-02 15:04:05 UTC")
			}
		}
	}
	return res
}

func (info BuildInfo) Print(w io.Writer) {
	fmt.Fprintf(w, `
     ____        _
    |  _ \ _ __ (_)_  __
    | |_) | '_ \| \ \/ /
    |  _ <| |_) | |>  <
    |_| \_\ .__/|_/_/\_\
          |_|

    Commit Hash: %q
    Commit Time: %q

`,
		info.ShortGitHash,
		info.CommitTime,
	)
}

func (cfg Config) Print(w io.Writer) {
	flags := cfg.getFlagParams()

	var (
		names         = make([]string, 0, len(flags))
		maxNameLength int
	)
	for name := range flags {
		if len(name) > maxNameLength {
			maxNameLength = len(name)
		}
		names = append(names, name)
	}
	slices.Sort(names)

	fmt.Fprint(w, "    Config:\n\n")
	for _, name := range names {
		fmt.Fprintf(w, "        --%-*s = %v\n", maxNameLength, name, reflect.ValueOf(flags[name].p).Elem())
	}
	fmt.Fprint(w, "\n")
}
