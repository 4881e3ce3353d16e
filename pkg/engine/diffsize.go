package engine

import "github.com/sergi/go-diff/diffmatchpatch"

// patchSizer annotates version-history entries with how much a
// snapshot differs from its successor, adapted from the
// teacher's pkg/transport/patch_manager.go PatchManager (trimmed to
// just the byte-delta computation GET /api/session/:id/versions
// needs; the teacher's rollback-patch and pretty-print helpers have
// no use here since Drawbridge restores by promoting a whole
// snapshot, never by replaying a text patch).
type patchSizer struct {
	dmp *diffmatchpatch.DiffMatchPatch
}

func newPatchSizer() *patchSizer {
	return &patchSizer{dmp: diffmatchpatch.New()}
}

// deltaBytes returns the size in bytes of the patch that would turn
// oldJSON into newJSON: a cheap proxy for "how much changed" that is
// far smaller than oldJSON/newJSON whenever the edit was a small
// tweak to a large scene.
func (p *patchSizer) deltaBytes(oldJSON, newJSON string) int {
	diffs := p.dmp.DiffMain(oldJSON, newJSON, false)
	patch := p.dmp.PatchMake(oldJSON, diffs)
	return len(p.dmp.PatchToText(patch))
}
