package lightz

import (
	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// EncodeReport renders a report in the collector's JSON encoding.
// It is the single encoding site for every JSON transport in this module.
func EncodeReport(r *Report) ([]byte, error) {
	if r == nil {
		return nil, errors.New("nil report")
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "encode report")
	}
	return data, nil
}

// DecodeReport parses a report produced by EncodeReport.
func DecodeReport(data []byte) (*Report, error) {
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrap(err, "decode report")
	}
	return &r, nil
}

// encodePayload renders a log payload, falling back to its text form when it
// cannot be marshaled.
func encodePayload(payload interface{}) string {
	if payload == nil {
		return ""
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return stringify(payload)
	}
	return string(data)
}
