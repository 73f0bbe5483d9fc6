package types

// EdgeType is the relationship carried by a topology edge.
type EdgeType string

const (
	EdgeExposes    EdgeType = "exposes"
	EdgeRoutesTo   EdgeType = "routes-to"
	EdgeConfigures EdgeType = "configures"
	EdgeUses       EdgeType = "uses"
	EdgeManages    EdgeType = "manages"
)

// Valid reports whether t is one of the known edge types.
func (t EdgeType) Valid() bool {
	switch t {
	case EdgeExposes, EdgeRoutesTo, EdgeConfigures, EdgeUses, EdgeManages:
		return true
	default:
		return false
	}
}

// Edge is a directed topology relationship between two resources.
type Edge struct {
	Source ResourceRef `json:"source"`
	Target ResourceRef `json:"target"`
	Type   EdgeType    `json:"type"`
}

// Valid reports whether both endpoints are well formed and the type is known.
func (e Edge) Valid() bool {
	return e.Source.Valid() && e.Target.Valid() && e.Type.Valid()
}
