// README: Read-only financial invariant scan used by the admin CLI; any
// finding means the books need a human.
package settlement

import (
	"context"
	"fmt"

	"housecall/internal/types"
)

type Finding struct {
	Check  string
	Detail string
}

// IntegrityCheck runs three global invariants:
//  1. ledger rows linked to a paid settlement were not mutated after pay time
//  2. no job's refund total exceeds its paid total
//  3. each settlement's aggregate gross matches its linked ledger gross
//     (cancelled settlements excluded)
func (s *Service) IntegrityCheck(ctx context.Context) ([]Finding, error) {
	var findings []Finding

	rows, err := s.store.Pool().Query(ctx, `
        SELECT le.id, st.id
        FROM ledger_entries le
        JOIN settlements st ON st.id = le.settlement_id
        WHERE st.status = 'paid' AND st.paid_at IS NOT NULL
          AND le.updated_at > st.paid_at`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var entryID, settlementID string
		if err := rows.Scan(&entryID, &settlementID); err != nil {
			rows.Close()
			return nil, err
		}
		findings = append(findings, Finding{
			Check:  "paid_settlement_mutation",
			Detail: fmt.Sprintf("ledger entry %s changed after settlement %s was paid", entryID, settlementID),
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.store.Pool().Query(ctx, `
        SELECT cn.job_id, SUM(cn.amount_cents) AS refunded, COALESCE(paid.total, 0) AS paid
        FROM credit_notes cn
        LEFT JOIN (
            SELECT job_id, SUM(amount_cents) AS total
            FROM job_payments
            WHERE status IN ('succeeded', 'success', 'paid')
            GROUP BY job_id
        ) paid ON paid.job_id = cn.job_id
        GROUP BY cn.job_id, paid.total
        HAVING SUM(cn.amount_cents) > COALESCE(paid.total, 0)`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var jobID string
		var refunded, paid int64
		if err := rows.Scan(&jobID, &refunded, &paid); err != nil {
			rows.Close()
			return nil, err
		}
		findings = append(findings, Finding{
			Check:  "refund_exceeds_paid",
			Detail: fmt.Sprintf("job %s refunded %d of %d paid", jobID, refunded, paid),
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.store.Pool().Query(ctx, `
        SELECT st.id, st.total_gross_cents, COALESCE(SUM(le.gross_cents), 0)
        FROM settlements st
        LEFT JOIN ledger_entries le ON le.settlement_id = st.id
        WHERE st.status <> 'cancelled'
        GROUP BY st.id, st.total_gross_cents
        HAVING st.total_gross_cents <> COALESCE(SUM(le.gross_cents), 0)`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id types.ID
		var settled, linked int64
		if err := rows.Scan(&id, &settled, &linked); err != nil {
			rows.Close()
			return nil, err
		}
		findings = append(findings, Finding{
			Check:  "settlement_gross_parity",
			Detail: fmt.Sprintf("settlement %s gross %d != linked ledger gross %d", id, settled, linked),
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return findings, nil
}
