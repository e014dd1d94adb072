package services

import (
	"encoding/json"

	"gorm.io/datatypes"
)

// datatypesJSON wraps a raw JSON document for storage, substituting an empty
// object when the gateway returned nothing usable.
func datatypesJSON(raw json.RawMessage) datatypes.JSON {
	if len(raw) == 0 {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(raw)
}
