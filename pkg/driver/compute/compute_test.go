package compute

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/infraguys/genesis-core/pkg/errdefs"
	"github.com/infraguys/genesis-core/pkg/types"
)

func newDriver(t *testing.T) *Driver {
	t.Helper()
	d, err := New(filepath.Join(t.TempDir(), "compute.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func nodeTarget(t *testing.T, spec types.NodeSpec) types.Resource {
	t.Helper()
	res := types.Resource{
		UUID:      uuid.New(),
		Kind:      types.KindComputeNode,
		ProjectID: uuid.New(),
		Version:   1,
	}
	require.NoError(t, res.EncodeSpec(spec))
	return res
}

func TestCreateIsIdempotent(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()
	target := nodeTarget(t, types.NodeSpec{Name: "web-0", Cores: 2, RAM: 2048})

	first, err := d.Create(ctx, target)
	require.NoError(t, err)
	second, err := d.Create(ctx, target)
	require.NoError(t, err)
	require.Equal(t, first.UUID, second.UUID)

	actuals, err := d.ListActual(ctx, uuid.Nil)
	require.NoError(t, err)
	require.Len(t, actuals, 1)
}

func TestUpdateRecreatesVanishedMachine(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()
	target := nodeTarget(t, types.NodeSpec{Name: "web-0", Cores: 2, RAM: 2048})

	_, err := d.Update(ctx, target, types.Resource{})
	require.NoError(t, err)

	actuals, err := d.ListActual(ctx, uuid.Nil)
	require.NoError(t, err)
	require.Len(t, actuals, 1)
}

func TestDeleteIsIdempotent(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()
	target := nodeTarget(t, types.NodeSpec{Name: "web-0", Cores: 1, RAM: 1024})

	actual, err := d.Create(ctx, target)
	require.NoError(t, err)
	require.NoError(t, d.Delete(ctx, actual))
	require.NoError(t, d.Delete(ctx, actual))

	actuals, err := d.ListActual(ctx, uuid.Nil)
	require.NoError(t, err)
	require.Empty(t, actuals)
}

func TestListActualFiltersByProject(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	a := nodeTarget(t, types.NodeSpec{Name: "a", Cores: 1, RAM: 512})
	b := nodeTarget(t, types.NodeSpec{Name: "b", Cores: 1, RAM: 512})
	_, err := d.Create(ctx, a)
	require.NoError(t, err)
	_, err = d.Create(ctx, b)
	require.NoError(t, err)

	actuals, err := d.ListActual(ctx, a.ProjectID)
	require.NoError(t, err)
	require.Len(t, actuals, 1)
	require.Equal(t, a.UUID, actuals[0].UUID)
}

func TestStateSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "compute.db")
	ctx := context.Background()
	target := nodeTarget(t, types.NodeSpec{Name: "web-0", Cores: 2, RAM: 2048})

	d, err := New(path)
	require.NoError(t, err)
	_, err = d.Create(ctx, target)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	d, err = New(path)
	require.NoError(t, err)
	defer d.Close()
	actuals, err := d.ListActual(ctx, uuid.Nil)
	require.NoError(t, err)
	require.Len(t, actuals, 1)
}

func TestRejectsBareMetalAsPermanent(t *testing.T) {
	d := newDriver(t)
	target := nodeTarget(t, types.NodeSpec{Name: "hw-0", Cores: 8, RAM: 65536, NodeType: types.NodeTypeHW})

	_, err := d.Create(context.Background(), target)
	require.True(t, errdefs.IsPermanent(err))
}

func TestRejectsInvalidSpec(t *testing.T) {
	d := newDriver(t)
	target := nodeTarget(t, types.NodeSpec{Name: "bad", Cores: 0, RAM: 0})

	_, err := d.Create(context.Background(), target)
	require.True(t, errdefs.IsValidation(err))
}
