// mkdisk is the host-side image builder and crash-dump inspector for the
// kernel. The build subcommand packs a directory tree into the flat
// initrd layout the kernel's vfs/initrd driver mounts at boot; the
// snapshot subcommand pretty-prints a recovered crash-dump profile
// (kfmt/diag.WriteSnapshot output, a standard pprof profile).
//
// Image layout, all integers little-endian:
//
//	"NXRD"                magic
//	uint32                entry count
//	per entry:
//	  uint32              path length
//	  bytes               absolute path within the image ("/bin/init")
//	  uint32              entry type (1 = file, 2 = directory)
//	  uint32              content size (0 for directories)
//	  bytes               content (files only)
package main

import (
	"encoding/binary"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/pprof/profile"
	"github.com/spf13/cobra"
)

const magic = "NXRD"

const (
	entryFile uint32 = 1
	entryDir  uint32 = 2
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "mkdisk",
		Short:         "Build kernel initrd images and inspect crash dumps",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(buildCmd(), snapshotCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "[mkdisk] error: %s\n", err.Error())
		os.Exit(1)
	}
}

func buildCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "build <dir>",
		Short: "Pack a directory tree into an initrd image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := buildImage(args[0])
			if err != nil {
				return err
			}
			return os.WriteFile(out, img, 0644)
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "initrd.img", "output image path")
	return cmd
}

type imageEntry struct {
	path    string
	isDir   bool
	content []byte
}

func buildImage(root string) ([]byte, error) {
	var entries []imageEntry

	err := filepath.Walk(root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		e := imageEntry{
			path:  "/" + filepath.ToSlash(rel),
			isDir: info.IsDir(),
		}
		if !e.isDir {
			if e.content, err = os.ReadFile(path); err != nil {
				return err
			}
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Directories sort before their children, which keeps the kernel's
	// single-pass parser simple.
	sort.Slice(entries, func(i, j int) bool { return entries[i].path < entries[j].path })

	var img []byte
	img = append(img, magic...)
	img = appendUint32(img, uint32(len(entries)))

	for _, e := range entries {
		img = appendUint32(img, uint32(len(e.path)))
		img = append(img, e.path...)

		if e.isDir {
			img = appendUint32(img, entryDir)
			img = appendUint32(img, 0)
			continue
		}
		img = appendUint32(img, entryFile)
		img = appendUint32(img, uint32(len(e.content)))
		img = append(img, e.content...)
	}
	return img, nil
}

func appendUint32(b []byte, v uint32) []byte {
	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], v)
	return append(b, word[:]...)
}

func snapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot <dump>",
		Short: "Pretty-print a recovered kernel crash-dump profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			p, err := profile.Parse(f)
			if err != nil {
				return fmt.Errorf("%s is not a valid snapshot: %w", args[0], err)
			}

			type gauge struct {
				name  string
				value int64
			}
			var gauges []gauge
			for _, sample := range p.Sample {
				if len(sample.Location) == 0 || len(sample.Location[0].Line) == 0 {
					continue
				}
				gauges = append(gauges, gauge{
					name:  sample.Location[0].Line[0].Function.Name,
					value: sample.Value[0],
				})
			}
			sort.Slice(gauges, func(i, j int) bool { return gauges[i].name < gauges[j].name })

			width := 0
			for _, g := range gauges {
				if len(g.name) > width {
					width = len(g.name)
				}
			}
			for _, g := range gauges {
				fmt.Fprintf(cmd.OutOrStdout(), "%-*s %s\n", width+2, g.name, formatCount(g.value))
			}
			return nil
		},
	}
}

func formatCount(v int64) string {
	s := fmt.Sprintf("%d", v)
	if len(s) <= 3 {
		return s
	}
	var parts []string
	for len(s) > 3 {
		parts = append([]string{s[len(s)-3:]}, parts...)
		s = s[:len(s)-3]
	}
	return s + "," + strings.Join(parts, ",")
}
