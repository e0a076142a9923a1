package matcher

import (
	"encoding/hex"
	"math"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/blake2b"

	"github.com/mozilla/treeherder/internal/model"
)

// VectorDims is the dimension of fingerprint token vectors. It must match
// the failure_lines.embedding column.
const VectorDims = 64

var (
	reTimestamp     = regexp.MustCompile(`\d{4}-\d\d-\d\d[T ]\d\d:\d\d:\d\d(?:\.\d+)?Z?|\b\d\d:\d\d:\d\d(?:\.\d+)?\b`)
	reNumericSuffix = regexp.MustCompile(`-\d+$`)
	reHexAddr       = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	reToken         = regexp.MustCompile(`[a-z_][a-z0-9_.]*`)

	// Worker checkout roots, e.g. /builds/worker/checkouts/gecko/,
	// C:\tasks\task_1700000000\build\ or /Users/cltbld/tasks/task_17/.
	reMachinePath = regexp.MustCompile(`(?i)(?:[a-z]:)?[\\/]+` +
		`(?:builds[\\/]+worker|home[\\/]+\w+|users[\\/]+\w+(?:[\\/]+tasks)?|tasks)` +
		`(?:[\\/]+task_\d+)?` +
		`(?:[\\/]+(?:checkouts[\\/]+gecko|workspace(?:[\\/]+build)?|build(?:[\\/]+tests)?))?[\\/]+`)
)

// NormalizeField strips timestamps, machine-specific path prefixes and a
// trailing -N suffix from an identity field.
func NormalizeField(s string) string {
	s = reTimestamp.ReplaceAllString(s, "")
	s = reMachinePath.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	return reNumericSuffix.ReplaceAllString(s, "")
}

// Normalize computes the fingerprint of a failure line. Test and Signature
// are kept as stored so they can drive the candidate lookup; Key digests
// the normalized identity.
func Normalize(l model.FailureLine) model.Fingerprint {
	fields := []string{
		NormalizeField(l.Test),
		NormalizeField(l.Subtest),
		l.Status,
		l.Expected,
		NormalizeField(l.Signature),
	}
	sum := blake2b.Sum256([]byte(strings.Join(fields, "\x00")))
	return model.Fingerprint{
		Key:           hex.EncodeToString(sum[:]),
		Test:          l.Test,
		Subtest:       l.Subtest,
		Status:        l.Status,
		Expected:      l.Expected,
		Signature:     l.Signature,
		Vector:        TokenVector(l.Message, l.Subtest, l.Signature),
		ExcludeLineID: l.ID,
	}
}

// TokenVector hashes the tokens of texts into a signed, L2-normalized
// vector of VectorDims dimensions. Texts without tokens yield nil.
func TokenVector(texts ...string) []float32 {
	var acc [VectorDims]float64
	n := 0
	for _, t := range texts {
		t = strings.ToLower(reHexAddr.ReplaceAllString(NormalizeField(t), ""))
		for _, tok := range reToken.FindAllString(t, -1) {
			h := xxhash.Sum64String(tok)
			if h>>63 == 1 {
				acc[h%VectorDims]--
			} else {
				acc[h%VectorDims]++
			}
			n++
		}
	}
	if n == 0 {
		return nil
	}
	var norm float64
	for _, v := range acc {
		norm += v * v
	}
	if norm == 0 {
		return nil
	}
	norm = math.Sqrt(norm)
	out := make([]float32, VectorDims)
	for i, v := range acc {
		out[i] = float32(v / norm)
	}
	return out
}

// Apply sets the fingerprint key and vector of lines about to be stored.
func Apply(lines []model.FailureLine) {
	for i := range lines {
		if lines[i].Action == model.ActionTruncated {
			continue
		}
		fp := Normalize(lines[i])
		lines[i].Fingerprint = fp.Key
		lines[i].Vector = fp.Vector
	}
}
