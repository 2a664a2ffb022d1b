package cli

import (
	"fmt"
	"io"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// NewVersionCommand creates the version command.
func NewVersionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return newFormatter(cmd, rootOpts).Success(readVersion())
		},
	}
}

// VersionInfo is the output of the version command.
type VersionInfo struct {
	Version   string `json:"version"`
	GoVersion string `json:"go"`
	Commit    string `json:"commit,omitempty"`
	Date      string `json:"date,omitempty"`
	Dirty     string `json:"dirty,omitempty"`
}

// WriteText implements textRenderer.
func (v VersionInfo) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "archiver: %s\n", v.Version)
	fmt.Fprintf(w, "go:       %s\n", v.GoVersion)
	if v.Commit != "" {
		fmt.Fprintf(w, "commit:   %s\n", v.Commit)
	}
	if v.Date != "" {
		fmt.Fprintf(w, "date:     %s\n", v.Date)
	}
	if v.Dirty != "" {
		fmt.Fprintf(w, "dirty:    %s\n", v.Dirty)
	}
	return nil
}

func readVersion() VersionInfo {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return VersionInfo{Version: "unknown", GoVersion: "unknown"}
	}

	v := VersionInfo{Version: info.Main.Version, GoVersion: info.GoVersion}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			v.Commit = s.Value
		case "vcs.time":
			v.Date = s.Value
		case "vcs.modified":
			v.Dirty = s.Value
		}
	}
	return v
}

func buildVersion() string {
	v := readVersion().Version
	if v == "" {
		return "unknown"
	}
	return v
}
