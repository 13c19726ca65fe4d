package eventstore

// Record represents the event in serialized form
type Record struct {
	Version int
	Kind    string `dynamodbav:"event_kind"`
	Data    []byte `dynamodbav:"event_data"`
}

// CommittedRecord is a Record after the store accepted it: it carries the
// aggregate it belongs to and its store-wide commit position.
type CommittedRecord struct {
	Record
	AggregateID    string
	GlobalPosition int64
}

// History represents the ordered event records of one aggregate
type History []Record

// Len implements sort.Interface
func (h History) Len() int {
	return len(h)
}

// Swap implements sort.Interface
func (h History) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

// Less implements sort.Interface
func (h History) Less(i, j int) bool {
	return h[i].Version < h[j].Version
}
