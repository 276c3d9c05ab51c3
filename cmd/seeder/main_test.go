package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedFilesAreBundled(t *testing.T) {
	for _, file := range seedFiles {
		content, err := seeds.ReadFile(file)
		require.NoError(t, err, file)
		assert.True(t, strings.Contains(strings.ToUpper(string(content)), "INSERT INTO"), file)
	}
}
