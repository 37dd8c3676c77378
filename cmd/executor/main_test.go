package main

import (
	"testing"

	"github.com/shoenig/test/must"
)

func TestParseFlags_RequiresCoreOptions(t *testing.T) {
	_, err := parseFlags([]string{"--driver-url", "localhost:7000"})
	must.Error(t, err)
}

func TestParseFlags_AcceptsRepeatedUserClassPath(t *testing.T) {
	opts, err := parseFlags([]string{
		"--driver-url", "localhost:7000",
		"--executor-id", "exec-1",
		"--hostname", "host1",
		"--cores", "4",
		"--app-id", "app-1",
		"--user-class-path", "/a.jar",
		"--user-class-path", "/b.jar",
	})
	must.NoError(t, err)
	must.Eq(t, 2, len(opts.userClassPath))
	must.Eq(t, "/a.jar", opts.userClassPath[0])
	must.Eq(t, "/b.jar", opts.userClassPath[1])
}

func TestParseFlags_RejectsZeroCores(t *testing.T) {
	_, err := parseFlags([]string{
		"--driver-url", "localhost:7000",
		"--executor-id", "exec-1",
		"--hostname", "host1",
		"--cores", "0",
		"--app-id", "app-1",
	})
	must.Error(t, err)
}

func TestParseFlags_ListenPortDefaultsToZero(t *testing.T) {
	opts, err := parseFlags([]string{
		"--driver-url", "localhost:7000",
		"--executor-id", "exec-1",
		"--hostname", "host1",
		"--cores", "4",
		"--app-id", "app-1",
	})
	must.NoError(t, err)
	must.Eq(t, 0, opts.listenPort)
}

func TestParseFlags_ListenPortOverridable(t *testing.T) {
	opts, err := parseFlags([]string{
		"--driver-url", "localhost:7000",
		"--executor-id", "exec-1",
		"--hostname", "host1",
		"--cores", "4",
		"--app-id", "app-1",
		"--listen-port", "7100",
	})
	must.NoError(t, err)
	must.Eq(t, 7100, opts.listenPort)
}
