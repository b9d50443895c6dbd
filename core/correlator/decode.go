package correlator

import "encoding/json"

func decodeResult(data []byte) (Result, error) {
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, err
	}
	return Result(decoded), nil
}
