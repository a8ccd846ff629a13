package policyopa

import (
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	cryptoinfra "evidenceledger/internal/infra/crypto"
)

// policyFile is one normative file of a policy bundle: a rego module or the
// bundle's data.json.
type policyFile struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	source []byte
}

func (f policyFile) isModule() bool {
	return strings.HasSuffix(f.Path, ".rego")
}

// loadPolicyFiles walks fsys and returns the normative files sorted by path.
// Hidden entries, editor backups and vendored trees are ignored so that the
// digest only moves when the policy does.
func loadPolicyFiles(fsys fs.FS) ([]policyFile, error) {
	var files []policyFile
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if p == "." {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if strings.HasPrefix(name, ".") || name == "vendor" || name == "__MACOSX" {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || !(strings.HasSuffix(name, ".rego") || name == "data.json") {
			return nil
		}
		src, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		files = append(files, policyFile{
			Path:   path.Clean(p),
			SHA256: cryptoinfra.SHA256Hex(src),
			source: src,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// policyDigest is the sha256 of the canonical JSON listing of files. It is
// reported with every evaluation.
func policyDigest(files []policyFile) (string, error) {
	canonical, err := cryptoinfra.CanonicalizeAny(struct {
		Files []policyFile `json:"files"`
	}{Files: files})
	if err != nil {
		return "", err
	}
	return cryptoinfra.SHA256Hex(canonical), nil
}

// BundleDigest returns the digest of the policy bundle rooted at dir.
func BundleDigest(dir string) (string, error) {
	files, err := loadPolicyFiles(os.DirFS(dir))
	if err != nil {
		return "", err
	}
	return policyDigest(files)
}
