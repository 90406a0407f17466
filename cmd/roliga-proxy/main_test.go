package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluffiac/roliga-proxy/pkg/ca"
)

func TestLoadRootMissingMaterialFails(t *testing.T) {
	// Unusable material must surface as an error, never be papered over by
	// minting a fresh root the device has not installed.
	missing := filepath.Join(t.TempDir(), "root.pem")
	root, err := loadRoot(false, missing, "", "", "")
	require.Error(t, err)
	assert.Nil(t, root)
	var me *ca.MaterialError
	assert.ErrorAs(t, err, &me)
}

func TestLoadRootGenerateIsOptIn(t *testing.T) {
	combined := filepath.Join(t.TempDir(), "root.pem")
	generated, err := loadRoot(true, combined, "", "", "CN=test root")
	require.NoError(t, err)
	require.NotNil(t, generated)

	// the generated root is persisted and loads back as the same identity
	loaded, err := loadRoot(false, combined, "", "", "")
	require.NoError(t, err)
	assert.Equal(t, generated.Cert.SerialNumber, loaded.Cert.SerialNumber)
}
