package puzzle

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
	"runtime"
	"strconv"

	"github.com/shirou/gopsutil/cpu"
	"golang.org/x/crypto/argon2"
	"golang.org/x/sync/semaphore"

	"hashpass/internal/logger"
)

// ErrPoolUnavailable is returned when no verification worker slot could be
// acquired; the caller translates it to 503 without touching puzzle state.
var ErrPoolUnavailable = errors.New("verification worker pool unavailable")

// VerifyResult reports the outcome of recomputing a submission's hash.
type VerifyResult struct {
	// Match is true when the recomputed hash equals the submitted bytes.
	Match bool
	// LeadingZeroBits counts the most-significant zero bits of the
	// recomputed hash. Only meaningful when Match is true.
	LeadingZeroBits int
	// MeetsDifficulty is true when Match holds and LeadingZeroBits is at
	// least the required difficulty.
	MeetsDifficulty bool
}

// ArgonParams are the cost parameters advertised to clients; they are part
// of the wire contract and must match the client's computation bit-for-bit.
type ArgonParams struct {
	TimeCost    int
	MemoryKiB   int
	Parallelism int
}

// Verifier recomputes Argon2 proofs on a bounded worker set. Each call costs
// MemoryKiB of working memory, so concurrency is capped at CPU count minus
// one to bound peak usage while keeping the scheduler responsive.
type Verifier struct {
	sem     *semaphore.Weighted
	workers int
	log     *logger.Logger
}

func NewVerifier(log *logger.Logger) *Verifier {
	workers := verifyWorkers()
	log.Infof("verifier", "worker pool initialized with %d workers", workers)
	return &Verifier{
		sem:     semaphore.NewWeighted(int64(workers)),
		workers: workers,
		log:     log,
	}
}

func verifyWorkers() int {
	count, err := cpu.Counts(true)
	if err != nil || count < 1 {
		count = runtime.NumCPU()
	}
	if count <= 1 {
		return 1
	}
	return count - 1
}

func (v *Verifier) Workers() int { return v.workers }

// Verify recomputes H = Argon2id(password = decimal nonce, salt = seed ‖
// fingerprint ‖ trace) and checks it against the submitted hex hash and the
// difficulty threshold. The comparison is constant-time. Callers may hold
// the puzzle lock across this call; that serialization is what guarantees a
// single winner per seed.
func (v *Verifier) Verify(ctx context.Context, nonce uint64, seed, fingerprint, trace, submittedHex string, difficulty int, p ArgonParams) (VerifyResult, error) {
	if err := v.sem.Acquire(ctx, 1); err != nil {
		return VerifyResult{}, fmt.Errorf("%w: %v", ErrPoolUnavailable, err)
	}
	defer v.sem.Release(1)

	submitted, err := hex.DecodeString(submittedHex)
	if err != nil || len(submitted) != 32 {
		return VerifyResult{}, fmt.Errorf("submitted hash must be 32 bytes of hex")
	}

	password := []byte(strconv.FormatUint(nonce, 10))
	salt := []byte(seed + fingerprint + trace)

	hash := argon2.IDKey(password, salt, uint32(p.TimeCost), uint32(p.MemoryKiB), uint8(p.Parallelism), 32)

	res := VerifyResult{
		Match: subtle.ConstantTimeCompare(hash, submitted) == 1,
	}
	if res.Match {
		res.LeadingZeroBits = LeadingZeroBits(hash)
		res.MeetsDifficulty = res.LeadingZeroBits >= difficulty
	}
	return res, nil
}

// LeadingZeroBits counts the most-significant zero bits of a hash treated as
// a big-endian binary value.
func LeadingZeroBits(hash []byte) int {
	count := 0
	for _, b := range hash {
		if b == 0 {
			count += 8
			continue
		}
		count += bits.LeadingZeros8(b)
		break
	}
	return count
}
