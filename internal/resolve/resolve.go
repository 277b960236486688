// Package resolve implements deterministic conflict resolution for
// configuration objects edited on more than one device.
//
// The policy is last-writer-wins with supervisor priority, not a CRDT:
// configuration objects are small whole-object replacements, so picking
// one side is adequate and keeps the function pure and trivially
// testable. Mutation of sub-fields never merges.
package resolve

import (
	"github.com/kinshipd/kinship/internal/schema"
)

// Resolve picks the winner between a local and a remote version of the
// same configuration object.
//
// Rules, in order:
//  1. If the local device is the supervisor, local wins unconditionally.
//  2. Otherwise the strictly greater LastModified wins.
//  3. Ties default to local, avoiding pointless remote overwrite chatter.
//
// Resolve is pure: same inputs, same output, no I/O.
func Resolve(local, remote *schema.ConfigObject, localRole schema.Role) *schema.ConfigObject {
	if local == nil {
		return remote
	}
	if remote == nil {
		return local
	}
	if localRole == schema.RoleSupervisor {
		return local
	}
	if remote.LastModified.After(local.LastModified) {
		return remote
	}
	return local
}

// MergeCollections applies Resolve key-by-key over the union of both
// sets. Keys present on only one side are preserved as-is; only genuine
// per-key conflicts go through Resolve.
//
// The returned map is freshly allocated; neither input is mutated.
func MergeCollections(local, remote map[string]*schema.ConfigObject, localRole schema.Role) map[string]*schema.ConfigObject {
	merged := make(map[string]*schema.ConfigObject, len(local)+len(remote))
	for key, obj := range local {
		merged[key] = obj
	}
	for key, remoteObj := range remote {
		merged[key] = Resolve(merged[key], remoteObj, localRole)
	}
	return merged
}
