package governor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/strata/internal/dag"
	"github.com/kingrea/strata/internal/materialize"
	"github.com/kingrea/strata/internal/session"
	"github.com/kingrea/strata/internal/vfs"
)

func testGovernor(t *testing.T) (session.Context, dag.Definition, *materialize.Engine, *Governor) {
	t.Helper()
	def, err := dag.Load("fedml")
	require.NoError(t, err)
	ctx, err := session.New(vfs.NewMemFS(), "fedml", session.WithID("s1"))
	require.NoError(t, err)
	engine := materialize.NewEngine()
	return ctx, def, engine, New(engine)
}

func run(t *testing.T, engine *materialize.Engine, ctx session.Context, def dag.Definition, stages ...string) {
	t.Helper()
	for _, stage := range stages {
		_, err := engine.Materialize(ctx, def, materialize.MaterializeRequest{Stage: stage, Content: "content of " + stage})
		require.NoError(t, err)
	}
}

// rerun replaces a stage's artifact with different content, producing a new
// content-derived fingerprint so descendants that recorded the old one go
// stale.
func rerun(t *testing.T, engine *materialize.Engine, ctx session.Context, def dag.Definition, stage string) {
	t.Helper()
	_, err := engine.Materialize(ctx, def, materialize.MaterializeRequest{Stage: stage, Content: "revised content of " + stage})
	require.NoError(t, err)
}

func TestUnknownRequestIsAllowed(t *testing.T) {
	ctx, def, _, gov := testGovernor(t)
	decision, err := gov.Check(ctx, def, "make me a sandwich")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Empty(t, decision.Stage)
}

func TestCompletedStageAllowsReentry(t *testing.T) {
	ctx, def, engine, gov := testGovernor(t)
	run(t, engine, ctx, def, "search")

	decision, err := gov.Check(ctx, def, "search")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, "search", decision.Stage)
}

func TestReentryAllowedEvenWhenStale(t *testing.T) {
	ctx, def, engine, gov := testGovernor(t)
	run(t, engine, ctx, def, "search", "gather")
	rerun(t, engine, ctx, def, "search") // new fingerprint invalidates gather

	position, err := engine.Position(ctx, def)
	require.NoError(t, err)
	require.Contains(t, position.StaleStages, "gather")

	decision, err := gov.Check(ctx, def, "gather")
	require.NoError(t, err)
	assert.True(t, decision.Allowed, "re-running a stale stage is how the lineage is repaired")
}

func TestMissingRequiredParents(t *testing.T) {
	ctx, def, _, gov := testGovernor(t)

	// train's declared parent is the structural scaffold-env, which the user
	// cannot invoke; the report resolves through to code.
	decision, err := gov.Check(ctx, def, "train")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.False(t, decision.HardBlock)
	assert.Equal(t, []string{"code"}, decision.Missing)
	assert.Contains(t, decision.Suggestion, "code")
	assert.NotContains(t, decision.Suggestion, "scaffold-env")
}

func TestCommandPhraseResolvesStage(t *testing.T) {
	ctx, def, engine, gov := testGovernor(t)
	run(t, engine, ctx, def, "search")

	decision, err := gov.Check(ctx, def, "gather cohort")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, "gather", decision.Stage)
}

func TestProceedAliasTargetsCurrentStage(t *testing.T) {
	ctx, def, engine, gov := testGovernor(t)
	run(t, engine, ctx, def, "search")

	decision, err := gov.Check(ctx, def, "proceed")
	require.NoError(t, err)
	assert.Equal(t, "gather", decision.Stage)
	assert.True(t, decision.Allowed)
}

func TestOptionalParentsAreAutoDeclinable(t *testing.T) {
	ctx, def, engine, gov := testGovernor(t)
	run(t, engine, ctx, def, "search", "gather")

	decision, err := gov.Check(ctx, def, "harmonize")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.True(t, decision.AutoDeclinable)
	assert.Equal(t, []string{"rename"}, decision.PendingOptionals)
	assert.Empty(t, decision.Missing)

	// Materializing the sentinels and retrying is the caller's move.
	_, err = engine.MaterializeSkip(ctx, def, "rename")
	require.NoError(t, err)
	decision, err = gov.Check(ctx, def, "harmonize")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestSkipWarningEscalatesThenAllows(t *testing.T) {
	ctx, def, engine, gov := testGovernor(t)
	run(t, engine, ctx, def, "search", "gather")
	_, err := engine.MaterializeSkip(ctx, def, "rename")
	require.NoError(t, err)
	_, err = engine.MaterializeSkip(ctx, def, "harmonize")
	require.NoError(t, err)

	// harmonize carries a sentinel, not a real execution, so code's
	// skip_warning fires: first attempt warns without the detailed reason.
	first, err := gov.Check(ctx, def, "code")
	require.NoError(t, err)
	assert.False(t, first.Allowed)
	assert.NotEmpty(t, first.Warning)
	assert.Empty(t, first.Reason)
	assert.False(t, first.HardBlock)
	assert.Equal(t, 1, gov.SkipAttempts(ctx, "harmonize"))

	second, err := gov.Check(ctx, def, "code")
	require.NoError(t, err)
	assert.False(t, second.Allowed)
	assert.NotEmpty(t, second.Warning)
	assert.NotEmpty(t, second.Reason, "the detailed reason appears from the second attempt")

	third, err := gov.Check(ctx, def, "code")
	require.NoError(t, err)
	assert.True(t, third.Allowed, "persistence past max_warnings is consent")
}

func TestSkipWarningSilencedByCompletingTheStage(t *testing.T) {
	ctx, def, engine, gov := testGovernor(t)
	run(t, engine, ctx, def, "search", "gather")
	_, err := engine.MaterializeSkip(ctx, def, "rename")
	require.NoError(t, err)
	run(t, engine, ctx, def, "harmonize")

	decision, err := gov.Check(ctx, def, "code")
	require.NoError(t, err)
	assert.True(t, decision.Allowed, "a completed stage raises no skip warning")
	assert.Empty(t, decision.Warning)
}

func TestSkipCounterClearedOnCompletion(t *testing.T) {
	ctx, def, engine, gov := testGovernor(t)
	run(t, engine, ctx, def, "search", "gather")
	_, err := engine.MaterializeSkip(ctx, def, "rename")
	require.NoError(t, err)
	_, err = engine.MaterializeSkip(ctx, def, "harmonize")
	require.NoError(t, err)

	_, err = gov.Check(ctx, def, "code")
	require.NoError(t, err)
	require.Equal(t, 1, gov.SkipAttempts(ctx, "harmonize"))

	// Actually running harmonize destroys the counter.
	run(t, engine, ctx, def, "harmonize")
	_, err = gov.Check(ctx, def, "code")
	require.NoError(t, err)
	assert.Equal(t, 0, gov.SkipAttempts(ctx, "harmonize"))
}

func TestStaleAncestryIsAHardBlock(t *testing.T) {
	ctx, def, engine, gov := testGovernor(t)
	run(t, engine, ctx, def, "search", "gather", "code", "train")
	rerun(t, engine, ctx, def, "search") // gather recorded the old fingerprint

	decision, err := gov.Check(ctx, def, "federate-brief")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.True(t, decision.HardBlock)
	assert.True(t, decision.StaleBlock)
	assert.Equal(t, "gather", decision.StaleStage)
	assert.Contains(t, decision.Suggestion, "gather")

	// Repetition never erodes a hard block.
	for i := 0; i < 5; i++ {
		decision, err = gov.Check(ctx, def, "federate-brief")
		require.NoError(t, err)
		assert.True(t, decision.HardBlock)
	}
}

func TestProceedHardBlocksOnStaleLineage(t *testing.T) {
	ctx, def, engine, gov := testGovernor(t)
	run(t, engine, ctx, def, "search", "gather")
	rerun(t, engine, ctx, def, "search") // new fingerprint; gather recorded the old one

	decision, err := gov.Check(ctx, def, "proceed")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.True(t, decision.HardBlock)
	assert.True(t, decision.StaleBlock)
	assert.Equal(t, "gather", decision.StaleStage)
}

func TestSkipStatePersistsAcrossGovernors(t *testing.T) {
	ctx, def, engine, gov := testGovernor(t)
	run(t, engine, ctx, def, "search", "gather")
	_, err := engine.MaterializeSkip(ctx, def, "rename")
	require.NoError(t, err)
	_, err = engine.MaterializeSkip(ctx, def, "harmonize")
	require.NoError(t, err)

	_, err = gov.Check(ctx, def, "code")
	require.NoError(t, err)
	require.NoError(t, gov.SaveState(ctx))

	// A fresh governor, as in a new CLI process, continues the count.
	fresh := New(engine)
	require.NoError(t, fresh.LoadState(ctx))
	assert.Equal(t, 1, fresh.SkipAttempts(ctx, "harmonize"))

	second, err := fresh.Check(ctx, def, "code")
	require.NoError(t, err)
	assert.False(t, second.Allowed)
	assert.NotEmpty(t, second.Reason)

	third, err := fresh.Check(ctx, def, "code")
	require.NoError(t, err)
	assert.True(t, third.Allowed)
}
