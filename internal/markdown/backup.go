package markdown

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/taskmesh/taskmesh/internal/graph"
	"github.com/taskmesh/taskmesh/internal/types"
)

// SchemaVersion is recorded in backup manifests and checked on restore.
const SchemaVersion = 1

// ManifestName is the manifest file inside every backup tarball.
const ManifestName = "manifest.yaml"

// Manifest describes the contents of one backup.
type Manifest struct {
	SchemaVersion int            `yaml:"schema_version"`
	Namespace     string         `yaml:"namespace"`
	CreatedAt     time.Time      `yaml:"created_at"`
	Counts        map[string]int `yaml:"counts"`
}

// BackupInfo is one backup artifact on disk.
type BackupInfo struct {
	Path     string   `json:"path"`
	Manifest Manifest `json:"manifest"`
}

// BackupCreate exports the namespace to markdown documents and packs
// them with a manifest into a gzipped tarball under backupDir. Returns
// the artifact descriptor.
func (s *Service) BackupCreate(ctx context.Context, ns, backupDir string) (*BackupInfo, error) {
	tmp, err := os.MkdirTemp("", "taskmesh-backup-*")
	if err != nil {
		return nil, types.Wrap(types.CodeInternal, err, "creating staging dir")
	}
	defer os.RemoveAll(tmp)

	exp, err := s.Export(ctx, ns, tmp)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	manifest := Manifest{
		SchemaVersion: SchemaVersion,
		Namespace:     ns,
		CreatedAt:     now,
		Counts: map[string]int{
			string(KindWorkItem):     exp.Counts[KindWorkItem],
			string(KindArchitecture): exp.Counts[KindArchitecture],
			string(KindTroubleshoot): exp.Counts[KindTroubleshoot],
		},
	}
	data, err := yaml.Marshal(&manifest)
	if err != nil {
		return nil, types.Wrap(types.CodeInternal, err, "encoding manifest")
	}
	if err := os.WriteFile(filepath.Join(tmp, ManifestName), data, 0o644); err != nil {
		return nil, types.Wrap(types.CodeInternal, err, "writing manifest")
	}

	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return nil, types.Wrap(types.CodeInternal, err, "creating backup dir")
	}
	path := filepath.Join(backupDir, fmt.Sprintf("%s-%s.tar.gz", ns, now.Format("20060102-150405")))
	if err := packTarball(tmp, path); err != nil {
		return nil, err
	}

	s.logger.Info("backup created", zap.String("namespace", ns), zap.String("path", path))
	return &BackupInfo{Path: path, Manifest: manifest}, nil
}

// BackupRestore unpacks a backup tarball and imports it with replace
// semantics. ns overrides the manifest namespace when non-empty.
func (s *Service) BackupRestore(ctx context.Context, path, ns string) (*ImportResult, error) {
	tmp, err := os.MkdirTemp("", "taskmesh-restore-*")
	if err != nil {
		return nil, types.Wrap(types.CodeInternal, err, "creating staging dir")
	}
	defer os.RemoveAll(tmp)

	manifest, err := unpackTarball(path, tmp)
	if err != nil {
		return nil, err
	}
	if manifest.SchemaVersion != SchemaVersion {
		return nil, types.Validation("backup schema version %d is not supported", manifest.SchemaVersion)
	}
	if ns == "" {
		ns = manifest.Namespace
	}

	res, err := s.Import(ctx, ns, tmp, graph.ImportReplace)
	if err != nil {
		return nil, err
	}
	s.logger.Info("backup restored", zap.String("namespace", ns), zap.String("path", path))
	return res, nil
}

// BackupList reads the manifest of every tarball under backupDir,
// newest first.
func (s *Service) BackupList(backupDir string) ([]BackupInfo, error) {
	entries, err := os.ReadDir(backupDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, types.Wrap(types.CodeInternal, err, "reading backup dir")
	}
	var out []BackupInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".tar.gz") {
			continue
		}
		path := filepath.Join(backupDir, e.Name())
		manifest, err := readManifest(path)
		if err != nil {
			s.logger.Warn("skipping unreadable backup", zap.String("path", path), zap.Error(err))
			continue
		}
		out = append(out, BackupInfo{Path: path, Manifest: *manifest})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Manifest.CreatedAt.After(out[j].Manifest.CreatedAt) })
	return out, nil
}

func packTarball(dir, dest string) error {
	f, err := os.Create(dest)
	if err != nil {
		return types.Wrap(types.CodeInternal, err, "creating tarball")
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
	if err != nil {
		return types.Wrap(types.CodeInternal, err, "packing tarball")
	}
	return nil
}

// unpackTarball extracts into dir, rejecting entries that escape it,
// and returns the manifest.
func unpackTarball(path, dir string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, types.Wrap(types.CodeValidation, err, "opening tarball")
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, types.Wrap(types.CodeValidation, err, "reading tarball")
	}
	defer gz.Close()
	tr := tar.NewReader(gz)

	var manifest *Manifest
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, types.Wrap(types.CodeValidation, err, "reading tarball")
		}
		name := filepath.FromSlash(hdr.Name)
		if strings.Contains(name, "..") || filepath.IsAbs(name) {
			return nil, types.Validation("tarball entry %q escapes the extraction dir", hdr.Name)
		}
		target := filepath.Join(dir, name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, types.Wrap(types.CodeInternal, err, "extracting tarball")
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return nil, types.Wrap(types.CodeInternal, err, "extracting tarball")
			}
			dst, err := os.Create(target)
			if err != nil {
				return nil, types.Wrap(types.CodeInternal, err, "extracting tarball")
			}
			if _, err := io.Copy(dst, tr); err != nil {
				dst.Close()
				return nil, types.Wrap(types.CodeInternal, err, "extracting tarball")
			}
			dst.Close()
			if name == ManifestName {
				var m Manifest
				data, err := os.ReadFile(target)
				if err != nil {
					return nil, types.Wrap(types.CodeInternal, err, "reading manifest")
				}
				if err := yaml.Unmarshal(data, &m); err != nil {
					return nil, types.Wrap(types.CodeValidation, err, "decoding manifest")
				}
				manifest = &m
				// The manifest is not an import document.
				os.Remove(target)
			}
		}
	}
	if manifest == nil {
		return nil, types.Validation("tarball has no %s", ManifestName)
	}
	return manifest, nil
}

func readManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if filepath.FromSlash(hdr.Name) == ManifestName {
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, err
			}
			var m Manifest
			if err := yaml.Unmarshal(data, &m); err != nil {
				return nil, err
			}
			return &m, nil
		}
	}
	return nil, fmt.Errorf("no %s in %s", ManifestName, path)
}
