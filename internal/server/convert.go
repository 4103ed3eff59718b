package server

import (
	"encoding/json"
	"fmt"
	"math"

	"google.golang.org/protobuf/types/known/structpb"
)

// toStruct 經過一次 JSON 來回，把任意值（struct、map、slice）轉成 Struct
// executor 結果可能是自訂型別（例如 executor.Description），structpb.NewValue 只接受基本型別
func toStruct(v interface{}) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return structpb.NewStruct(m)
}

// fromStruct 把 Struct 解碼到 out
func fromStruct(s *structpb.Struct, out interface{}) error {
	b, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func stringField(s *structpb.Struct, name string) string {
	if v, ok := s.GetFields()[name]; ok {
		return v.GetStringValue()
	}
	return ""
}

// intField 讀取整數欄位，欄位不存在時回傳 def
func intField(s *structpb.Struct, name string, def int) (int, error) {
	v, ok := s.GetFields()[name]
	if !ok {
		return def, nil
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%s must be a number", name)
	}
	f := n.NumberValue
	if f != math.Trunc(f) || f > math.MaxInt32 || f < math.MinInt32 {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return int(f), nil
}

func mapField(s *structpb.Struct, name string) (map[string]interface{}, error) {
	v, ok := s.GetFields()[name]
	if !ok {
		return nil, nil
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return nil, nil
	}
	st := v.GetStructValue()
	if st == nil {
		return nil, fmt.Errorf("%s must be an object", name)
	}
	return st.AsMap(), nil
}
