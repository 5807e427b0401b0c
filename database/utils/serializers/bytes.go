package serializers

import (
	"context"
	"fmt"
	"reflect"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"gorm.io/gorm/schema"
)

// BytesSerializer stores hashes, addresses and byte slices as lowercase 0x
// hex strings.
type BytesSerializer struct{}

type bytesInterface interface{ Bytes() []byte }
type setBytesInterface interface{ SetBytes([]byte) }

func init() {
	schema.RegisterSerializer("bytes", BytesSerializer{})
}

func (BytesSerializer) Scan(ctx context.Context, field *schema.Field, dst reflect.Value, dbValue interface{}) error {
	if dbValue == nil {
		return nil
	}
	var hexStr string
	switch v := dbValue.(type) {
	case string:
		hexStr = v
	case []byte:
		hexStr = string(v)
	default:
		return fmt.Errorf("expected a hex string, got %T", dbValue)
	}
	b, err := hexutil.Decode(hexStr)
	if err != nil {
		return fmt.Errorf("failed to decode database value %q: %w", hexStr, err)
	}

	fieldValue := reflect.New(field.FieldType)
	if field.FieldType.Kind() == reflect.Pointer {
		fieldValue = reflect.New(field.FieldType.Elem())
	}
	switch target := fieldValue.Interface().(type) {
	case setBytesInterface:
		target.SetBytes(b)
	case *[]byte:
		*target = b
	default:
		return fmt.Errorf("cannot deserialize into %s", field.FieldType)
	}
	if field.FieldType.Kind() != reflect.Pointer {
		fieldValue = fieldValue.Elem()
	}
	field.ReflectValueOf(ctx, dst).Set(fieldValue)
	return nil
}

func (BytesSerializer) Value(ctx context.Context, field *schema.Field, dst reflect.Value, fieldValue interface{}) (interface{}, error) {
	if fieldValue == nil || (field.FieldType.Kind() == reflect.Pointer && reflect.ValueOf(fieldValue).IsNil()) {
		return nil, nil
	}
	switch v := fieldValue.(type) {
	case []byte:
		return hexutil.Encode(v), nil
	case bytesInterface:
		return hexutil.Encode(v.Bytes()), nil
	}
	return nil, fmt.Errorf("cannot serialize %T as bytes", fieldValue)
}
