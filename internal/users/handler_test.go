package users

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-iam/aegis/internal/rbac"
	_ "github.com/aegis-iam/aegis/testing"
)

func TestBulkPermissionsRequestAllowsClearAll(t *testing.T) {
	v := validator.New()

	// replaceAll with an empty entry list wipes every override; the request
	// must pass validation.
	var req bulkPermissionsRequest
	require.NoError(t, json.Unmarshal([]byte(`{"entries":[],"replaceAll":true}`), &req))
	assert.True(t, req.ReplaceAll)
	assert.Empty(t, req.Entries)
	assert.NoError(t, v.Struct(req))

	populated := bulkPermissionsRequest{
		Entries: []rbac.BulkEntry{{PermissionID: 10, Granted: true}},
	}
	assert.NoError(t, v.Struct(populated))
}
