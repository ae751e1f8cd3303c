package configfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/infraguys/genesis-core/pkg/errdefs"
	"github.com/infraguys/genesis-core/pkg/types"
)

func newDriver(t *testing.T) (*Driver, string) {
	t.Helper()
	root := t.TempDir()
	d, err := New(filepath.Join(t.TempDir(), "configs.json"), root)
	require.NoError(t, err)
	return d, root
}

func configTarget(t *testing.T, spec types.ConfigSpec) types.Resource {
	t.Helper()
	res := types.Resource{
		UUID:      uuid.New(),
		Kind:      types.KindConfig,
		ProjectID: uuid.New(),
		Version:   1,
	}
	require.NoError(t, res.EncodeSpec(spec))
	return res
}

func TestRendersTextBody(t *testing.T) {
	d, root := newDriver(t)
	target := configTarget(t, types.ConfigSpec{
		Name: "motd",
		Path: "/etc/motd",
		Mode: "0600",
		Body: types.ConfigBody{Kind: types.ConfigBodyText, Content: "welcome\n"},
	})

	_, err := d.Create(context.Background(), target)
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(root, "etc/motd"))
	require.NoError(t, err)
	require.Equal(t, "welcome\n", string(raw))

	info, err := os.Stat(filepath.Join(root, "etc/motd"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestRendersTemplateBody(t *testing.T) {
	d, root := newDriver(t)
	target := configTarget(t, types.ConfigSpec{
		Name: "app",
		Path: "/etc/app/app.conf",
		Body: types.ConfigBody{
			Kind:      types.ConfigBodyTemplate,
			Template:  "listen = {{ .port }}\n",
			Variables: map[string]string{"port": "8080"},
		},
	})

	_, err := d.Create(context.Background(), target)
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(root, "etc/app/app.conf"))
	require.NoError(t, err)
	require.Equal(t, "listen = 8080\n", string(raw))
}

func TestTemplateMissingVariableIsValidation(t *testing.T) {
	d, _ := newDriver(t)
	target := configTarget(t, types.ConfigSpec{
		Name: "app",
		Path: "/etc/app/app.conf",
		Body: types.ConfigBody{Kind: types.ConfigBodyTemplate, Template: "x = {{ .missing }}"},
	})

	_, err := d.Create(context.Background(), target)
	require.True(t, errdefs.IsValidation(err))
}

func TestUpdateMovesFile(t *testing.T) {
	d, root := newDriver(t)
	ctx := context.Background()
	target := configTarget(t, types.ConfigSpec{
		Name: "motd", Path: "/etc/motd",
		Body: types.ConfigBody{Kind: types.ConfigBodyText, Content: "v1"},
	})

	first, err := d.Create(ctx, target)
	require.NoError(t, err)

	require.NoError(t, target.EncodeSpec(types.ConfigSpec{
		Name: "motd", Path: "/etc/motd.d/00-main",
		Body: types.ConfigBody{Kind: types.ConfigBodyText, Content: "v2"},
	}))
	_, err = d.Update(ctx, target, first)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, "etc/motd"))
	require.True(t, os.IsNotExist(err))
	raw, err := os.ReadFile(filepath.Join(root, "etc/motd.d/00-main"))
	require.NoError(t, err)
	require.Equal(t, "v2", string(raw))
}

func TestDeleteIsIdempotent(t *testing.T) {
	d, root := newDriver(t)
	ctx := context.Background()
	target := configTarget(t, types.ConfigSpec{
		Name: "motd", Path: "/etc/motd",
		Body: types.ConfigBody{Kind: types.ConfigBodyText, Content: "v1"},
	})

	actual, err := d.Create(ctx, target)
	require.NoError(t, err)
	require.NoError(t, d.Delete(ctx, actual))
	require.NoError(t, d.Delete(ctx, actual))

	_, err = os.Stat(filepath.Join(root, "etc/motd"))
	require.True(t, os.IsNotExist(err))
}

func TestListActualSkipsExternallyRemovedFiles(t *testing.T) {
	d, root := newDriver(t)
	ctx := context.Background()
	target := configTarget(t, types.ConfigSpec{
		Name: "motd", Path: "/etc/motd",
		Body: types.ConfigBody{Kind: types.ConfigBodyText, Content: "v1"},
	})

	_, err := d.Create(ctx, target)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(root, "etc/motd")))

	actuals, err := d.ListActual(ctx, uuid.Nil)
	require.NoError(t, err)
	require.Empty(t, actuals)
}
