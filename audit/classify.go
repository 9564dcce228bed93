package audit

import "assetflow/ledger"

// Classify maps one physical scan onto a result kind given the ledger
// snapshot frozen at session open and the serials already seen this
// session. Pure: no side effects, the caller owns the seen set.
//
// Precedence: a repeat scan is a duplicate before any status rule fires,
// so each identity yields at most one found/unexpected/incongruent result
// regardless of arrival order.
func Classify(serial string, snapshot map[string]ledger.InventoryRecord, seen map[string]struct{}) ResultKind {
	if _, dup := seen[serial]; dup {
		return Duplicate
	}
	item, known := snapshot[serial]
	if !known {
		return UnexpectedPresent
	}
	if item.Status == ledger.ItemInStore {
		return FoundExpected
	}
	return StatusIncongruent
}
