package backend

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/configdb/internal/schema"
)

// EncodeObject serializes a whole object to its JSON wire form. Used by
// adapters that store objects as opaque blobs (ordered-KV, coordination
// stores).
func EncodeObject(ent *schema.Entity, obj *Object) ([]byte, error) {
	net, err := ent.ToNet(obj.NetAttrs(), false)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(net)
	if err != nil {
		return nil, fmt.Errorf("encode %s/%s: %w", obj.EntityName, obj.Name, err)
	}
	return data, nil
}

// DecodeObject rebuilds an object from its JSON wire form.
func DecodeObject(ent *schema.Entity, data []byte) (*Object, error) {
	var net map[string]any
	if err := json.Unmarshal(data, &net); err != nil {
		return nil, fmt.Errorf("decode %s object: %w", ent.Name, err)
	}
	attrs, err := ent.FromNet(net)
	if err != nil {
		return nil, err
	}
	return NewObject(ent, attrs)
}
