package service

import (
	"testing"

	"github.com/bitfantasy/nimo-pm/internal/pm/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadTemplates_ShippedFile(t *testing.T) {
	svc, err := LoadTemplates("../../../configs/approval_templates.yaml")
	require.NoError(t, err)

	list := svc.List()
	require.Len(t, list, 2)
	assert.Equal(t, "hardware-gate", list[0].Key)
	assert.Equal(t, "standard", list[1].Key)

	stages, err := svc.Stages("hardware-gate")
	require.NoError(t, err)
	require.Len(t, stages, 4)
	assert.True(t, stages[2].IsOptional)
	assert.Equal(t, []string{"admin", "gm"}, stages[3].RequiredRoles)
}

func TestLoadTemplates_MissingFile(t *testing.T) {
	svc, err := LoadTemplates("does-not-exist.yaml")
	require.NoError(t, err)
	assert.Empty(t, svc.List())

	_, err = svc.Stages("standard")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestParseTemplates_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad yaml", "templates: ["},
		{"missing key", `
templates:
  - name: x
    stages:
      - {stageName: A, requiredRoles: [manager], order: 0}
`},
		{"duplicate key", `
templates:
  - key: a
    stages:
      - {stageName: A, requiredRoles: [manager], order: 0}
  - key: a
    stages:
      - {stageName: A, requiredRoles: [manager], order: 0}
`},
		{"no roles", `
templates:
  - key: a
    stages:
      - {stageName: A, order: 0}
`},
		{"only optional", `
templates:
  - key: a
    stages:
      - {stageName: A, requiredRoles: [manager], order: 0, isOptional: true}
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTemplates([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestTemplateService_StagesIsCopy(t *testing.T) {
	svc, err := ParseTemplates([]byte(`
templates:
  - key: a
    stages:
      - {stageName: A, requiredRoles: [manager], order: 0}
`))
	require.NoError(t, err)

	stages, err := svc.Stages("a")
	require.NoError(t, err)
	stages[0].StageName = "changed"

	again, _ := svc.Stages("a")
	assert.Equal(t, "A", again[0].StageName)
}
