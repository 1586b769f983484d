package redis

import "github.com/leadflow/leadflow/pkg/models"

const keyPrefix = "leadflow:"

// hashTag groups every key of one entity into the same cluster slot, so the
// multi-key scripts and pipelines stay valid on Redis Cluster.
func hashTag(kind models.EntityKind, id string) string {
	return "{" + string(kind) + ":" + id + "}"
}

// entityKey returns the hash holding an entity's fields: leadflow:{kind:id}
func entityKey(kind models.EntityKind, id string) string {
	return keyPrefix + hashTag(kind, id)
}

// tagsKey returns the set holding an entity's tags: leadflow:{kind:id}:tags
func tagsKey(kind models.EntityKind, id string) string {
	return entityKey(kind, id) + ":tags"
}
