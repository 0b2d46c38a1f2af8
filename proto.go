package recsync

import (
	"encoding/base64"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// EncodeRecord serializes r.
// Encoding is deterministic:
// equal records produce identical bytes.
func EncodeRecord(r *Record) ([]byte, error) {
	s, err := recordStruct(r)
	if err != nil {
		return nil, err
	}
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(s)
	return b, errors.Wrapf(err, "marshaling record %s", r.ID)
}

// DecodeRecord is the inverse of EncodeRecord.
func DecodeRecord(b []byte) (*Record, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return nil, errors.Wrap(err, "unmarshaling record")
	}
	return structRecord(&s)
}

func recordStruct(r *Record) (*structpb.Struct, error) {
	fields := make(map[string]*structpb.Value, len(r.Fields))
	for _, k := range r.Keys() {
		v, err := encodeValue(r.Fields[k])
		if err != nil {
			return nil, errors.Wrapf(err, "encoding field %s of record %s", k, r.ID)
		}
		fields[k] = v
	}

	m := map[string]*structpb.Value{
		"type":   structpb.NewStringValue(r.Type),
		"id":     recordIDValue(r.ID),
		"fields": structpb.NewStructValue(&structpb.Struct{Fields: fields}),
	}
	if r.Parent != nil {
		m["parent"] = recordIDValue(*r.Parent)
	}
	if r.Share != nil {
		m["share"] = recordIDValue(*r.Share)
	}
	if r.ChangeTag != "" {
		m["tag"] = structpb.NewStringValue(r.ChangeTag)
	}
	if !r.Timestamp.IsZero() {
		m["ts"] = structpb.NewStringValue(formatTime(r.Timestamp))
	}
	if r.Device != "" {
		m["device"] = structpb.NewStringValue(r.Device)
	}
	if r.ModelVersion != 0 {
		m["version"] = structpb.NewNumberValue(float64(r.ModelVersion))
	}
	return &structpb.Struct{Fields: m}, nil
}

func structRecord(s *structpb.Struct) (*Record, error) {
	m := s.GetFields()

	id, err := valueRecordID(m["id"])
	if err != nil {
		return nil, errors.Wrap(err, "decoding record id")
	}
	r := NewRecord(m["type"].GetStringValue(), id)

	if v, ok := m["parent"]; ok {
		p, err := valueRecordID(v)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding parent of %s", id)
		}
		r.Parent = &p
	}
	if v, ok := m["share"]; ok {
		sh, err := valueRecordID(v)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding share of %s", id)
		}
		r.Share = &sh
	}
	r.ChangeTag = m["tag"].GetStringValue()
	if v, ok := m["ts"]; ok {
		r.Timestamp, err = parseTime(v.GetStringValue())
		if err != nil {
			return nil, errors.Wrapf(err, "decoding timestamp of %s", id)
		}
	}
	r.Device = m["device"].GetStringValue()
	r.ModelVersion = int(m["version"].GetNumberValue())

	for k, v := range m["fields"].GetStructValue().GetFields() {
		val, err := decodeValue(v)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding field %s of %s", k, id)
		}
		r.Fields[k] = val
	}
	return r, nil
}

func recordIDValue(id RecordID) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"zone":  structpb.NewStringValue(id.Zone.Name),
		"owner": structpb.NewStringValue(id.Zone.Owner),
		"name":  structpb.NewStringValue(id.Name),
	}})
}

func valueRecordID(v *structpb.Value) (RecordID, error) {
	s := v.GetStructValue()
	if s == nil {
		return RecordID{}, errors.New("not a struct")
	}
	m := s.GetFields()
	return RecordID{
		Zone: ZoneID{Name: m["zone"].GetStringValue(), Owner: m["owner"].GetStringValue()},
		Name: m["name"].GetStringValue(),
	}, nil
}

// Tagged values are single-key structs.
const (
	intTag   = "int"
	timeTag  = "time"
	bytesTag = "bytes"
	refTag   = "ref"
	refsTag  = "refs"
	assetTag = "asset"
)

func tagged(tag string, v *structpb.Value) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{tag: v}})
}

func encodeValue(val interface{}) (*structpb.Value, error) {
	switch val := val.(type) {
	case nil:
		return structpb.NewNullValue(), nil
	case string:
		return structpb.NewStringValue(val), nil
	case bool:
		return structpb.NewBoolValue(val), nil
	case float64:
		return structpb.NewNumberValue(val), nil
	case int64:
		return tagged(intTag, structpb.NewStringValue(strconv.FormatInt(val, 10))), nil
	case int:
		return tagged(intTag, structpb.NewStringValue(strconv.Itoa(val))), nil
	case time.Time:
		return tagged(timeTag, structpb.NewStringValue(formatTime(val))), nil
	case []byte:
		return tagged(bytesTag, structpb.NewStringValue(base64.StdEncoding.EncodeToString(val))), nil
	case Reference:
		return tagged(refTag, structpb.NewStringValue(val.Name)), nil
	case []Reference:
		list := &structpb.ListValue{}
		for _, ref := range val {
			list.Values = append(list.Values, structpb.NewStringValue(ref.Name))
		}
		return tagged(refsTag, structpb.NewListValue(list)), nil
	case Asset:
		return tagged(assetTag, structpb.NewStringValue(val.Location)), nil
	}
	return nil, errors.Errorf("unsupported value type %T", val)
}

func decodeValue(v *structpb.Value) (interface{}, error) {
	switch k := v.GetKind().(type) {
	case *structpb.Value_NullValue:
		return nil, nil
	case *structpb.Value_StringValue:
		return k.StringValue, nil
	case *structpb.Value_BoolValue:
		return k.BoolValue, nil
	case *structpb.Value_NumberValue:
		return k.NumberValue, nil
	case *structpb.Value_StructValue:
		fields := k.StructValue.GetFields()
		if len(fields) != 1 {
			return nil, errors.Errorf("tagged value has %d keys", len(fields))
		}
		for tag, inner := range fields {
			return decodeTagged(tag, inner)
		}
	}
	return nil, errors.Errorf("unsupported value kind %T", v.GetKind())
}

func decodeTagged(tag string, v *structpb.Value) (interface{}, error) {
	switch tag {
	case intTag:
		n, err := strconv.ParseInt(v.GetStringValue(), 10, 64)
		return n, errors.Wrap(err, "parsing int")
	case timeTag:
		return parseTime(v.GetStringValue())
	case bytesTag:
		b, err := base64.StdEncoding.DecodeString(v.GetStringValue())
		return b, errors.Wrap(err, "decoding bytes")
	case refTag:
		return Reference{Name: v.GetStringValue()}, nil
	case refsTag:
		var refs []Reference
		for _, item := range v.GetListValue().GetValues() {
			refs = append(refs, Reference{Name: item.GetStringValue()})
		}
		return refs, nil
	case assetTag:
		return Asset{Location: v.GetStringValue()}, nil
	}
	return nil, errors.Errorf("unknown value tag %s", tag)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	return t, errors.Wrapf(err, "parsing time %s", s)
}

// EqualValues tells whether two field values are equal.
func EqualValues(a, b interface{}) bool {
	switch a := a.(type) {
	case nil:
		return b == nil
	case []byte:
		bb, ok := b.([]byte)
		return ok && string(a) == string(bb)
	case time.Time:
		bt, ok := b.(time.Time)
		return ok && a.Equal(bt)
	case []Reference:
		bb, ok := b.([]Reference)
		if !ok || len(a) != len(bb) {
			return false
		}
		for i := range a {
			if a[i] != bb[i] {
				return false
			}
		}
		return true
	case []string:
		bb, ok := b.([]string)
		if !ok || len(a) != len(bb) {
			return false
		}
		as := append([]string(nil), a...)
		bs := append([]string(nil), bb...)
		sort.Strings(as)
		sort.Strings(bs)
		for i := range as {
			if as[i] != bs[i] {
				return false
			}
		}
		return true
	}
	return a == b
}
