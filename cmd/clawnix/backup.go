package main

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"clawnix/internal/config"
)

// Archive layout: the config file under config/, everything below the state
// directory under state/ with its relative path kept.
const (
	archiveConfigDir = "config"
	archiveStateDir  = "state"
)

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup of the config and every agent database",
		Long: `Creates a compressed .tar.gz archive containing the configuration file
and the state directory (agent databases and the shared audit database).
Stop clawnix first for a consistent snapshot.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if outputPath == "" {
				backupDir := filepath.Join(filepath.Dir(filepath.Clean(cfg.StateDir)), "clawnix-backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("clawnix-backup-%s.tar.gz", ts))
			}

			entries, err := backupEntries(cfgPath, cfg.StateDir)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("no files to backup (state: %s, config: %s)", cfg.StateDir, cfgPath)
			}
			if err := createTarGz(outputPath, entries); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Backup created: %s\n", outputPath)
			fmt.Fprintf(out, "Files included: %d\n", len(entries))
			for _, e := range entries {
				size := int64(0)
				if info, err := os.Stat(e.path); err == nil {
					size = info.Size()
				}
				fmt.Fprintf(out, "  - %s (%s)\n", e.name, humanSize(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: next to the state directory)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <file.tar.gz>",
		Short: "Restore config and databases from a backup archive",
		Long: `Restores the configuration file and state directory from a .tar.gz
archive created by 'clawnix backup'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := loadConfig()
			if err != nil {
				cfg = config.Defaults()
				cfg.StateDir = config.ExpandPath(cfg.StateDir)
			}

			if !force {
				existing := false
				if _, err := os.Stat(cfgPath); err == nil {
					existing = true
				}
				if entries, _ := os.ReadDir(cfg.StateDir); len(entries) > 0 {
					existing = true
				}
				if existing {
					fmt.Fprintf(cmd.OutOrStdout(), "This will overwrite existing data.\n  Config: %s\n  State:  %s\n", cfgPath, cfg.StateDir)
					return fmt.Errorf("restore aborted (use --force to proceed)")
				}
			}

			restored, err := extractTarGz(args[0], cfgPath, cfg.StateDir)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Restore completed from: %s\n", args[0])
			fmt.Fprintf(out, "Files restored: %d\n", len(restored))
			for _, f := range restored {
				fmt.Fprintf(out, "  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

type archiveEntry struct {
	path string // on disk
	name string // inside the archive
}

// backupEntries lists the config file and every database file below stateDir.
func backupEntries(cfgPath, stateDir string) ([]archiveEntry, error) {
	var entries []archiveEntry
	if _, err := os.Stat(cfgPath); err == nil {
		entries = append(entries, archiveEntry{path: cfgPath, name: archiveConfigDir + "/" + filepath.Base(cfgPath)})
	}
	if _, err := os.Stat(stateDir); err != nil {
		return entries, nil
	}
	err := filepath.WalkDir(stateDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isDBFile(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(stateDir, path)
		if err != nil {
			return err
		}
		entries = append(entries, archiveEntry{path: path, name: archiveStateDir + "/" + filepath.ToSlash(rel)})
		return nil
	})
	return entries, err
}

func isDBFile(name string) bool {
	for _, suffix := range []string{".db", ".db-wal", ".db-shm"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

func createTarGz(outputPath string, entries []archiveEntry) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	defer gzWriter.Close()

	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	for _, e := range entries {
		if err := addFileToTar(tarWriter, e); err != nil {
			return fmt.Errorf("add %s: %w", e.path, err)
		}
	}
	return nil
}

func addFileToTar(tw *tar.Writer, e archiveEntry) error {
	file, err := os.Open(e.path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = e.name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

// extractTarGz restores config/ entries to cfgPath and state/ entries below
// stateDir. Entries escaping stateDir and unknown top-level entries are skipped.
func extractTarGz(archivePath, cfgPath, stateDir string) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		var target string
		dir, rest, _ := strings.Cut(header.Name, "/")
		switch dir {
		case archiveConfigDir:
			target = cfgPath
		case archiveStateDir:
			target = filepath.Join(stateDir, filepath.FromSlash(rest))
			if !strings.HasPrefix(target, filepath.Clean(stateDir)+string(os.PathSeparator)) {
				continue
			}
		default:
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, err
		}
		outFile, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", target, err)
		}
		if _, err := io.Copy(outFile, tarReader); err != nil {
			outFile.Close()
			return nil, fmt.Errorf("extract %s: %w", target, err)
		}
		outFile.Close()
		restored = append(restored, target)
	}
	return restored, nil
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
