package resolve

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinshipd/kinship/internal/schema"
)

func obj(key string, authority schema.Authority, modified time.Time, value string) *schema.ConfigObject {
	return &schema.ConfigObject{
		Key:          key,
		Kind:         schema.KindScreenTimeRule,
		Value:        json.RawMessage(value),
		Authority:    authority,
		LastModified: modified,
		DeviceID:     "dev-" + string(authority),
	}
}

func TestResolve_SupervisorLocalAlwaysWins(t *testing.T) {
	base := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	local := obj("rule", schema.AuthoritySupervisor, base, `{"v":"local"}`)
	// Remote is newer by a full day and still must lose.
	remote := obj("rule", schema.AuthoritySupervised, base.Add(24*time.Hour), `{"v":"remote"}`)

	got := Resolve(local, remote, schema.RoleSupervisor)
	assert.Same(t, local, got, "supervisor-local object must win regardless of timestamps")
}

func TestResolve_NewerTimestampWinsOnSupervised(t *testing.T) {
	base := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	local := obj("rule", schema.AuthoritySupervised, base, `{"v":"local"}`)
	remote := obj("rule", schema.AuthoritySupervisor, base.Add(time.Minute), `{"v":"remote"}`)

	got := Resolve(local, remote, schema.RoleSupervised)
	assert.Same(t, remote, got, "strictly newer remote must win on a supervised device")

	// Flip the clock: older remote loses.
	remote.LastModified = base.Add(-time.Minute)
	got = Resolve(local, remote, schema.RoleSupervised)
	assert.Same(t, local, got)
}

func TestResolve_TieGoesToLocal(t *testing.T) {
	at := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	local := obj("rule", schema.AuthoritySupervised, at, `{"v":"local"}`)
	remote := obj("rule", schema.AuthoritySupervised, at, `{"v":"remote"}`)

	got := Resolve(local, remote, schema.RoleSupervised)
	assert.Same(t, local, got, "ties default to local")
}

func TestResolve_OneSideNil(t *testing.T) {
	at := time.Now()
	only := obj("rule", schema.AuthoritySupervised, at, `{}`)

	assert.Same(t, only, Resolve(only, nil, schema.RoleSupervised))
	assert.Same(t, only, Resolve(nil, only, schema.RoleSupervised))
}

func TestResolve_Deterministic(t *testing.T) {
	base := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	local := obj("rule", schema.AuthoritySupervised, base, `{"v":"local"}`)
	remote := obj("rule", schema.AuthoritySupervisor, base.Add(time.Second), `{"v":"remote"}`)

	first := Resolve(local, remote, schema.RoleSupervised)
	for i := 0; i < 100; i++ {
		assert.Same(t, first, Resolve(local, remote, schema.RoleSupervised))
	}
}

func TestMergeCollections_UnionPreservesOneSidedKeys(t *testing.T) {
	base := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	localOnly := obj("local-only", schema.AuthoritySupervised, base, `{}`)
	remoteOnly := obj("remote-only", schema.AuthoritySupervisor, base, `{}`)
	localShared := obj("shared", schema.AuthoritySupervised, base.Add(time.Hour), `{"v":"local"}`)
	remoteShared := obj("shared", schema.AuthoritySupervisor, base, `{"v":"remote"}`)

	merged := MergeCollections(
		map[string]*schema.ConfigObject{"local-only": localOnly, "shared": localShared},
		map[string]*schema.ConfigObject{"remote-only": remoteOnly, "shared": remoteShared},
		schema.RoleSupervised,
	)

	require.Len(t, merged, 3, "union must keep additions from both sides")
	assert.Same(t, localOnly, merged["local-only"])
	assert.Same(t, remoteOnly, merged["remote-only"])
	assert.Same(t, localShared, merged["shared"], "newer local version must survive the merge")
}

func TestMergeCollections_DoesNotMutateInputs(t *testing.T) {
	base := time.Now()
	local := map[string]*schema.ConfigObject{
		"a": obj("a", schema.AuthoritySupervised, base, `{}`),
	}
	remote := map[string]*schema.ConfigObject{
		"a": obj("a", schema.AuthoritySupervisor, base.Add(time.Hour), `{}`),
		"b": obj("b", schema.AuthoritySupervisor, base, `{}`),
	}

	_ = MergeCollections(local, remote, schema.RoleSupervised)

	require.Len(t, local, 1)
	require.Len(t, remote, 2)
	assert.Equal(t, "dev-supervised", local["a"].DeviceID)
}
