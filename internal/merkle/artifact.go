package merkle

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// ErrArtifactExists is returned by WriteArtifacts when a file of the batch id
// already exists with other content.
var ErrArtifactExists = errors.New("merkle: artifact exists with other content")

// RootFile is the content of root-<batch_id>.json.
type RootFile struct {
	BatchID   string      `json:"batch_id"`
	Root      common.Hash `json:"root"`
	Count     int         `json:"count"`
	CreatedAt time.Time   `json:"created_at"`
	ProofsCID string      `json:"proofs_cid"`
}

// ProofLine is one line of proofs-<batch_id>.ndjson. Hashes are 0x-prefixed hex.
type ProofLine struct {
	RecordID string        `json:"record_id"`
	Leaf     common.Hash   `json:"leaf"`
	Proof    []common.Hash `json:"proof"`
}

// Artifacts locates the files written for one batch.
type Artifacts struct {
	RootPath   string
	ProofsPath string
}

// RootPath returns where the root file of batchID lives under dir.
func RootPath(dir, batchID string) string {
	return filepath.Join(dir, "root-"+batchID+".json")
}

// ProofsPath returns where the proofs file of batchID lives under dir.
// It doubles as the batch's proofs pointer.
func ProofsPath(dir, batchID string) string {
	return filepath.Join(dir, "proofs-"+batchID+".ndjson")
}

// ArtifactsExist reports whether any artifact of batchID is present under dir.
func ArtifactsExist(dir, batchID string) (bool, error) {
	for _, path := range []string{RootPath(dir, batchID), ProofsPath(dir, batchID)} {
		_, err := os.Stat(path)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("stat %s: %w", path, err)
		}
	}
	return false, nil
}

// WriteArtifacts writes the proofs and root files for a batch. Each file is
// written under a temporary name and linked into place, so a file is either
// complete or absent and an existing file is never replaced. Writing the same
// content again is a no-op; other content yields ErrArtifactExists.
func WriteArtifacts(dir, batchID string, createdAt time.Time, b *Batch) (Artifacts, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Artifacts{}, fmt.Errorf("create merkle dir: %w", err)
	}

	var proofs bytes.Buffer
	enc := json.NewEncoder(&proofs)
	for _, e := range b.Entries {
		proof := e.Proof
		if proof == nil {
			proof = []common.Hash{}
		}
		if err := enc.Encode(ProofLine{RecordID: e.RecordID, Leaf: e.Leaf, Proof: proof}); err != nil {
			return Artifacts{}, fmt.Errorf("marshal proof for %s: %w", e.RecordID, err)
		}
	}

	proofsCID, err := ProofsCID(proofs.Bytes())
	if err != nil {
		return Artifacts{}, err
	}
	rootJSON, err := json.MarshalIndent(RootFile{
		BatchID:   batchID,
		Root:      b.Root,
		Count:     b.Count(),
		CreatedAt: createdAt.UTC(),
		ProofsCID: proofsCID,
	}, "", "  ")
	if err != nil {
		return Artifacts{}, fmt.Errorf("marshal root file: %w", err)
	}

	a := Artifacts{RootPath: RootPath(dir, batchID), ProofsPath: ProofsPath(dir, batchID)}
	createdProofs, err := writeFileExclusive(a.ProofsPath, proofs.Bytes())
	if err != nil {
		return Artifacts{}, err
	}
	if _, err := writeFileExclusive(a.RootPath, rootJSON); err != nil {
		if createdProofs {
			os.Remove(a.ProofsPath)
		}
		return Artifacts{}, err
	}
	return a, nil
}

// ProofsCID content-addresses a proofs file as a CIDv1 (raw codec, sha2-256),
// so a copy published elsewhere can be matched to its root file.
func ProofsCID(data []byte) (string, error) {
	c, err := cid.V1Builder{Codec: cid.Raw, MhType: mh.SHA2_256}.Sum(data)
	if err != nil {
		return "", fmt.Errorf("proofs cid: %w", err)
	}
	return c.String(), nil
}

// ReadProofs loads a proofs file written by WriteArtifacts.
func ReadProofs(path string) ([]ProofLine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open proofs: %w", err)
	}
	defer f.Close()

	var out []ProofLine
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var pl ProofLine
		if err := json.Unmarshal(line, &pl); err != nil {
			return nil, fmt.Errorf("parse proofs %s: %w", path, err)
		}
		out = append(out, pl)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read proofs %s: %w", path, err)
	}
	return out, nil
}

// ReadRoot loads a root file written by WriteArtifacts.
func ReadRoot(path string) (RootFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RootFile{}, fmt.Errorf("read root file: %w", err)
	}
	var rf RootFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return RootFile{}, fmt.Errorf("parse root file %s: %w", path, err)
	}
	return rf, nil
}

// writeFileExclusive creates path with data. created is false when path
// already held exactly data.
func writeFileExclusive(path string, data []byte) (created bool, err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return false, fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("close %s: %w", path, err)
	}

	err = os.Link(tmp.Name(), path)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return false, fmt.Errorf("link %s: %w", path, err)
	}
	existing, readErr := os.ReadFile(path)
	if readErr != nil {
		return false, fmt.Errorf("read %s: %w", path, readErr)
	}
	if !bytes.Equal(existing, data) {
		return false, fmt.Errorf("%w: %s", ErrArtifactExists, path)
	}
	return false, nil
}
