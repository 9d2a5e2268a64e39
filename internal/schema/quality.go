package schema

// SetupQuality is the LLM's letter-grade assessment of a candidate setup.
// Grades are ordered A+ (best) down to C- (worst); MeetsMinimum compares
// against a configured floor so the runner's take/skip gate has a
// well-defined "meets the configured minimum" semantics.
type SetupQuality string

const (
	QAPlus SetupQuality = "A+"
	QA     SetupQuality = "A"
	QAMinus SetupQuality = "A-"
	QBPlus SetupQuality = "B+"
	QB     SetupQuality = "B"
	QBMinus SetupQuality = "B-"
	QCPlus SetupQuality = "C+"
	QC     SetupQuality = "C"
	QCMinus SetupQuality = "C-"
)

var qualityRank = map[SetupQuality]int{
	QAPlus: 9, QA: 8, QAMinus: 7,
	QBPlus: 6, QB: 5, QBMinus: 4,
	QCPlus: 3, QC: 2, QCMinus: 1,
}

// Valid reports whether q is one of the nine declared grades.
func (q SetupQuality) Valid() bool {
	_, ok := qualityRank[q]
	return ok
}

// MeetsMinimum reports whether q is at least as good as min. An invalid
// grade never meets any minimum.
func (q SetupQuality) MeetsMinimum(min SetupQuality) bool {
	qr, ok := qualityRank[q]
	if !ok {
		return false
	}
	mr, ok := qualityRank[min]
	if !ok {
		return false
	}
	return qr >= mr
}
