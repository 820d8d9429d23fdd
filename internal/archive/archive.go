// Package archive turns a built (and, for darwin, signed) binary into the
// distributable assets: a standalone archive with its checksum sidecar, and
// optional per-editor bundles embedding the platform-named binary.
package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jedisct1/go-minisign"
	"go.uber.org/zap"

	"fleetrel/internal/platform"
	"fleetrel/internal/toolchain"
	"fleetrel/internal/tools"
)

// ErrPackaging is wrapped by every packaging failure.
var ErrPackaging = errors.New("packaging failed")

// Kind distinguishes asset flavors.
type Kind string

const (
	StandaloneArchive Kind = "standalone-archive"
	EditorBundle      Kind = "editor-bundle"
)

// Asset is one distributable file set: the archive itself, its checksum
// sidecar, and an optional minisign signature over the sidecar. The checksum
// covers the final binary bytes; mutating the binary afterwards invalidates
// the asset and requires repackaging.
type Asset struct {
	ArchivePath    string
	SidecarPath    string
	MinisigPath    string // empty unless manifest signing is configured
	ChecksumSHA256 string
	Kind           Kind
	Editor         string // set only for editor bundles
}

// Files lists everything publishable for this asset, in upload order.
func (a Asset) Files() []string {
	files := []string{a.ArchivePath, a.SidecarPath}
	if a.MinisigPath != "" {
		files = append(files, a.MinisigPath)
	}
	return files
}

// editorPackages maps editor names to their published package names. The
// bundles embed the binary at binaryEntry; manifest generation and store
// packaging beyond that belong to each editor's own tooling.
var editorPackages = map[string]string{
	"zed":     "fleet-schema-zed",
	"vscode":  "fleet-schema-vscode",
	"sublime": "fleet-schema-sublime",
}

// PlannedFiles names the files Package would emit for one target, without
// producing anything. Dry runs print these.
func PlannedFiles(binaryName, version string, target platform.Target, editors []string, signManifest bool) []string {
	base := fmt.Sprintf("%s-%s-%s", binaryName, version, target.Key)
	files := []string{base + archiveExt(target.OS), base + ".sha256"}
	if signManifest {
		files = append(files, base+".sha256.minisig")
	}
	for _, editor := range sortedEditors(editors) {
		pkg, ok := editorPackages[editor]
		if !ok {
			continue
		}
		b := fmt.Sprintf("%s-%s-%s", pkg, version, target.Key)
		files = append(files, b+".zip", b+".sha256")
	}
	return files
}

func archiveExt(targetOS string) string {
	if targetOS == "windows" {
		return ".zip"
	}
	return ".tar.gz"
}

// Packager produces assets under OutDir.
type Packager struct {
	Runner     tools.Runner
	StripPath  string
	OutDir     string
	BinaryName string

	// Minisign manifest signing, optional.
	MinisignPath      string
	MinisignSecretKey string
	MinisignPublicKey string

	Log *zap.Logger
}

// Package strips the binary, hashes the final bytes, and emits the
// standalone archive plus one bundle per requested editor. Editors are
// processed in sorted order so output is reproducible.
func (p *Packager) Package(ctx context.Context, artifact toolchain.Artifact, editors []string) ([]Asset, error) {
	// Strip before hashing: stripping afterwards would break the invariant
	// that the sidecar always matches the archive's binary entry.
	if err := p.strip(ctx, artifact); err != nil {
		return nil, err
	}

	binary, err := os.ReadFile(artifact.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: read binary: %v", ErrPackaging, err)
	}
	digest := sha256.Sum256(binary)
	checksum := hex.EncodeToString(digest[:])

	if err := os.MkdirAll(p.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: out dir: %v", ErrPackaging, err)
	}

	standalone, err := p.standalone(ctx, artifact, binary, checksum)
	if err != nil {
		return nil, err
	}
	assets := []Asset{standalone}

	for _, editor := range sortedEditors(editors) {
		bundle, err := p.editorBundle(ctx, artifact, binary, checksum, editor)
		if err != nil {
			return nil, err
		}
		assets = append(assets, bundle)
	}
	return assets, nil
}

// strip removes debug symbols in place. On darwin only local symbols are
// stripped; full stripping would invalidate the code signature.
func (p *Packager) strip(ctx context.Context, artifact toolchain.Artifact) error {
	args := []string{artifact.Path}
	if artifact.Target.IsDarwin() {
		args = []string{"-x", artifact.Path}
	}
	if _, err := p.Runner.Run(ctx, tools.Invocation{Binary: p.StripPath, Args: args}); err != nil {
		return fmt.Errorf("%w: strip: %v", ErrPackaging, err)
	}
	return nil
}

func (p *Packager) standalone(ctx context.Context, artifact toolchain.Artifact, binary []byte, checksum string) (Asset, error) {
	base := fmt.Sprintf("%s-%s-%s", p.BinaryName, artifact.Version, artifact.Target.Key)
	sidecarName := base + ".sha256"
	sidecarPath := filepath.Join(p.OutDir, sidecarName)
	if err := writeSidecar(sidecarPath, checksum, p.BinaryName); err != nil {
		return Asset{}, err
	}

	entries := []archiveEntry{
		{Name: p.BinaryName, Data: binary, Mode: 0o755},
		{Name: sidecarName, Data: sidecarBytes(checksum, p.BinaryName), Mode: 0o644},
	}

	archivePath, err := p.writeArchive(filepath.Join(p.OutDir, base), artifact.Target.OS, entries)
	if err != nil {
		return Asset{}, err
	}

	asset := Asset{
		ArchivePath:    archivePath,
		SidecarPath:    sidecarPath,
		ChecksumSHA256: checksum,
		Kind:           StandaloneArchive,
	}
	if p.MinisignSecretKey != "" {
		minisigPath, err := p.signSidecar(ctx, sidecarPath)
		if err != nil {
			return Asset{}, err
		}
		asset.MinisigPath = minisigPath
	}
	return asset, nil
}

// editorBundle zips the binary at the path the editor's packaging tool
// expects, named per platform so one bundle cannot shadow another.
func (p *Packager) editorBundle(ctx context.Context, artifact toolchain.Artifact, binary []byte, checksum string, editor string) (Asset, error) {
	pkg, ok := editorPackages[editor]
	if !ok {
		return Asset{}, fmt.Errorf("%w: unknown editor %q", ErrPackaging, editor)
	}

	base := fmt.Sprintf("%s-%s-%s", pkg, artifact.Version, artifact.Target.Key)
	platformBinary := fmt.Sprintf("%s-%s", p.BinaryName, artifact.Target.Key)
	sidecarPath := filepath.Join(p.OutDir, base+".sha256")
	if err := writeSidecar(sidecarPath, checksum, platformBinary); err != nil {
		return Asset{}, err
	}

	entries := []archiveEntry{
		{Name: "bin/" + platformBinary, Data: binary, Mode: 0o755},
	}
	// Editor package formats are zip containers regardless of target OS.
	archivePath, err := p.writeArchive(filepath.Join(p.OutDir, base), "windows", entries)
	if err != nil {
		return Asset{}, err
	}

	return Asset{
		ArchivePath:    archivePath,
		SidecarPath:    sidecarPath,
		ChecksumSHA256: checksum,
		Kind:           EditorBundle,
		Editor:         editor,
	}, nil
}

// signSidecar signs the checksum manifest with the external minisign tool,
// then verifies the produced signature in-process before it may ship.
func (p *Packager) signSidecar(ctx context.Context, sidecarPath string) (string, error) {
	minisigPath := sidecarPath + ".minisig"
	if _, err := p.Runner.Run(ctx, tools.Invocation{
		Binary: p.MinisignPath,
		Args:   []string{"-S", "-s", p.MinisignSecretKey, "-m", sidecarPath, "-x", minisigPath},
	}); err != nil {
		return "", fmt.Errorf("%w: minisign: %v", ErrPackaging, err)
	}

	if p.MinisignPublicKey != "" {
		pub, err := minisign.NewPublicKeyFromFile(p.MinisignPublicKey)
		if err != nil {
			return "", fmt.Errorf("%w: minisign pubkey: %v", ErrPackaging, err)
		}
		sig, err := minisign.NewSignatureFromFile(minisigPath)
		if err != nil {
			return "", fmt.Errorf("%w: read signature: %v", ErrPackaging, err)
		}
		content, err := os.ReadFile(sidecarPath)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrPackaging, err)
		}
		valid, err := pub.Verify(content, sig)
		if err != nil || !valid {
			return "", fmt.Errorf("%w: manifest signature did not verify", ErrPackaging)
		}
		p.Log.Debug("manifest signature verified", zap.String("sidecar", sidecarPath))
	}
	return minisigPath, nil
}

type archiveEntry struct {
	Name string
	Data []byte
	Mode int64
}

// writeArchive emits tar.gz for unix targets and zip for windows, per each
// OS's distribution convention.
func (p *Packager) writeArchive(basePath, targetOS string, entries []archiveEntry) (string, error) {
	if archiveExt(targetOS) == ".zip" {
		return writeZip(basePath+".zip", entries)
	}
	return writeTarGz(basePath+".tar.gz", entries)
}

func writeTarGz(path string, entries []archiveEntry) (string, error) {
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPackaging, err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.Name, Mode: e.Mode, Size: int64(len(e.Data))}
		if err := tw.WriteHeader(hdr); err != nil {
			return "", fmt.Errorf("%w: %v", ErrPackaging, err)
		}
		if _, err := tw.Write(e.Data); err != nil {
			return "", fmt.Errorf("%w: %v", ErrPackaging, err)
		}
	}
	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPackaging, err)
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPackaging, err)
	}
	return path, nil
}

func writeZip(path string, entries []archiveEntry) (string, error) {
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPackaging, err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, e := range entries {
		hdr := &zip.FileHeader{Name: e.Name, Method: zip.Deflate}
		hdr.SetMode(os.FileMode(e.Mode))
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrPackaging, err)
		}
		if _, err := w.Write(e.Data); err != nil {
			return "", fmt.Errorf("%w: %v", ErrPackaging, err)
		}
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPackaging, err)
	}
	return path, nil
}

// sidecarBytes renders the canonical two-column checksum line understood by
// sha256sum -c: "<64-hex digest>  <filename>\n".
func sidecarBytes(checksum, filename string) []byte {
	return []byte(fmt.Sprintf("%s  %s\n", checksum, filename))
}

func writeSidecar(path, checksum, filename string) error {
	if err := os.WriteFile(path, sidecarBytes(checksum, filename), 0o644); err != nil {
		return fmt.Errorf("%w: sidecar: %v", ErrPackaging, err)
	}
	return nil
}

// ParseSidecar extracts the digest recorded for filename.
func ParseSidecar(data []byte, filename string) (string, error) {
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		if fields[1] == filename && len(fields[0]) == 64 {
			return strings.ToLower(fields[0]), nil
		}
	}
	return "", fmt.Errorf("no digest for %s", filename)
}

// VerifyStandalone re-hashes the archive's binary entry and compares it with
// the sidecar digest; any mismatch means the asset was mutated after
// packaging.
func VerifyStandalone(asset Asset, binaryName string) error {
	if asset.Kind != StandaloneArchive {
		return fmt.Errorf("not a standalone archive: %s", asset.ArchivePath)
	}
	sidecar, err := os.ReadFile(asset.SidecarPath)
	if err != nil {
		return err
	}
	want, err := ParseSidecar(sidecar, binaryName)
	if err != nil {
		return err
	}

	binary, err := extractTarGzEntry(asset.ArchivePath, binaryName)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(binary)
	got := hex.EncodeToString(digest[:])
	if got != want {
		return fmt.Errorf("checksum mismatch for %s: sidecar %s, archive %s", asset.ArchivePath, want, got)
	}
	return nil
}

func extractTarGzEntry(path, name string) ([]byte, error) {
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
		if hdr.Name == name {
			var buf bytes.Buffer
			if _, err := io.Copy(&buf, tr); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		}
	}
	return nil, fmt.Errorf("entry %s not found in %s", name, path)
}

func sortedEditors(editors []string) []string {
	out := append([]string(nil), editors...)
	sort.Strings(out)
	return out
}
