// README: Tax and fee rule definitions keyed by region.
package pricing

import "strings"

type FeeModel string

const (
	FeeModelPercentage FeeModel = "percentage"
	FeeModelFixed      FeeModel = "fixed"
)

type FeePayer string

const (
	FeePayerNone     FeePayer = "none"
	FeePayerClient   FeePayer = "client"
	FeePayerProvider FeePayer = "provider"
	FeePayerSplit    FeePayer = "split"
)

type TaxRule struct {
	RateBps int64
}

type FeeRule struct {
	Model      FeeModel
	Payer      FeePayer
	ValueBps   int64
	ValueCents int64
}

// Read-only v1 rule tables; a DB-backed override table is consulted first
// (see Store) and these serve as the fallback.
var taxRulesByRegion = map[string]TaxRule{
	"QC":      {RateBps: 14975},
	"ON":      {RateBps: 13000},
	"DEFAULT": {RateBps: 0},
}

var feeRulesByRegion = map[string]FeeRule{
	"QC":      {Model: FeeModelPercentage, Payer: FeePayerClient, ValueBps: 1000},
	"ON":      {Model: FeeModelPercentage, Payer: FeePayerClient, ValueBps: 800},
	"DEFAULT": {Model: FeeModelPercentage, Payer: FeePayerClient, ValueBps: 1000},
}

// NormalizeRegion maps full codes and bare province codes to the rule key:
// "CA-QC" and "qc" both resolve to "QC". Everything before the last '-' is
// intentionally discarded.
func NormalizeRegion(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return ""
	}
	if i := strings.LastIndex(code, "-"); i >= 0 {
		code = code[i+1:]
	}
	return strings.ToUpper(code)
}

func TaxRuleForRegion(code string) TaxRule {
	if r, ok := taxRulesByRegion[NormalizeRegion(code)]; ok {
		return r
	}
	return taxRulesByRegion["DEFAULT"]
}

func FeeRuleForRegion(code string) FeeRule {
	if r, ok := feeRulesByRegion[NormalizeRegion(code)]; ok {
		return r
	}
	return feeRulesByRegion["DEFAULT"]
}
