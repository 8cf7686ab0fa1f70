package check

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"powerconsul-go/pkg/script"
)

func writeFile(path string) error {
	return os.WriteFile(path, []byte("x\n"), 0644)
}

type fakeServices map[string]bool

func (f fakeServices) Running(_ context.Context, name string) (bool, string, error) {
	up, ok := f[name]
	if !ok {
		return false, "", errors.New(name + ": unrecognized service")
	}
	return up, "", nil
}

type fakeExec struct {
	result script.Result
	err    error
	name   string
	args   []string
}

func (f *fakeExec) Run(_ context.Context, _ []string, name string, args ...string) (script.Result, error) {
	f.name, f.args = name, args
	return f.result, f.err
}

func TestServiceProbe(t *testing.T) {
	p := NewServiceProbe(fakeServices{"nginx": true}, "nginx")
	obs, err := p.Actual(context.Background())
	require.NoError(t, err)
	assert.True(t, obs.Up)
	assert.Equal(t, map[string]string{"service": "nginx"}, p.Resource())

	_, err = NewServiceProbe(fakeServices{}, "ghost").Actual(context.Background())
	assert.Error(t, err)
}

func TestServiceGroupProbe(t *testing.T) {
	services := fakeServices{"nginx": true, "php-fpm": false}
	p := NewServiceGroupProbe(services, []string{"nginx", "php-fpm"})
	assert.Equal(t, "servicegroup", p.Kind())

	obs, err := p.Actual(context.Background())
	require.NoError(t, err)
	assert.False(t, obs.Up, "expected on: every member must run")
	assert.Equal(t, "nginx=running, php-fpm=stopped", obs.Output)

	p.Expect(false)
	obs, err = p.Actual(context.Background())
	require.NoError(t, err)
	assert.True(t, obs.Up, "expected off: one running member is still up")

	_, err = NewServiceGroupProbe(services, nil).Actual(context.Background())
	assert.Error(t, err)
}

func TestScriptProbeExitCodes(t *testing.T) {
	tests := []struct {
		code     int
		up       bool
		degraded bool
		wantErr  bool
	}{
		{0, true, false, false},
		{1, true, true, false},
		{2, false, false, false},
		{3, false, false, true},
	}
	for _, tt := range tests {
		exec := &fakeExec{result: script.Result{ExitCode: tt.code, Output: []byte("PROCS OK\n")}}
		obs, err := NewScriptProbe(exec, "/opt/check", []string{"-w", "1"}).Actual(context.Background())
		if tt.wantErr {
			assert.Error(t, err, "exit %d", tt.code)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.up, obs.Up, "exit %d", tt.code)
		assert.Equal(t, tt.degraded, obs.Degraded, "exit %d", tt.code)
		assert.Equal(t, "PROCS OK", obs.Output)
	}

	_, err := NewScriptProbe(&fakeExec{err: errors.New("no such file")}, "/opt/check", nil).Actual(context.Background())
	assert.Error(t, err)
}

func TestProcessProbe(t *testing.T) {
	exec := &fakeExec{}
	p := NewProcessProbe(exec, "/usr/lib/nagios/plugins", "-C  nginx -c 1:")
	assert.Equal(t, "process", p.Kind())

	_, err := p.Actual(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/usr/lib/nagios/plugins/check_procs", exec.name)
	assert.Equal(t, []string{"-C", "nginx", "-c", "1:"}, exec.args)
}

func TestCrontabProbe(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeFile(filepath.Join(dir, "deploy")))

	obs, err := NewCrontabProbe(dir, "deploy").Actual(context.Background())
	require.NoError(t, err)
	assert.True(t, obs.Up)

	obs, err = NewCrontabProbe(dir, "backup").Actual(context.Background())
	require.NoError(t, err)
	assert.False(t, obs.Up)
}
