package serializers

import (
	"context"
	"fmt"
	"math/big"
	"reflect"

	"github.com/holiman/uint256"
	"github.com/jackc/pgtype"
	"gorm.io/gorm/schema"
)

var (
	big10              = big.NewInt(10)
	u256BigIntOverflow = new(big.Int).Exp(big.NewInt(2), big.NewInt(256), nil)

	bigIntType  = reflect.TypeOf((*big.Int)(nil))
	uint256Type = reflect.TypeOf((*uint256.Int)(nil))
)

// U256Serializer stores *big.Int and *uint256.Int fields in NUMERIC(78)
// columns.
type U256Serializer struct{}

func init() {
	schema.RegisterSerializer("u256", U256Serializer{})
}

func (U256Serializer) Scan(ctx context.Context, field *schema.Field, dst reflect.Value, dbValue interface{}) error {
	if dbValue == nil {
		return nil
	} else if field.FieldType != bigIntType && field.FieldType != uint256Type {
		return fmt.Errorf("can only deserialize into a *big.Int or *uint256.Int: %s", field.FieldType)
	}

	var bigInt *big.Int
	switch v := dbValue.(type) {
	case string:
		var ok bool
		if bigInt, ok = new(big.Int).SetString(v, 10); !ok {
			return fmt.Errorf("failed to parse %q as a number", v)
		}
	case []byte:
		var ok bool
		if bigInt, ok = new(big.Int).SetString(string(v), 10); !ok {
			return fmt.Errorf("failed to parse %q as a number", string(v))
		}
	default:
		numeric := new(pgtype.Numeric)
		if err := numeric.Scan(dbValue); err != nil {
			return fmt.Errorf("failed to scan value as numeric: %w", err)
		}
		bigInt = numeric.Int
		if numeric.Exp > 0 {
			factor := new(big.Int).Exp(big10, big.NewInt(int64(numeric.Exp)), nil)
			bigInt.Mul(bigInt, factor)
		}
	}

	if bigInt.Sign() < 0 || bigInt.Cmp(u256BigIntOverflow) >= 0 {
		return fmt.Errorf("deserialized number out of u256 range: %s", bigInt)
	}

	value := reflect.ValueOf(bigInt)
	if field.FieldType == uint256Type {
		value = reflect.ValueOf(uint256.MustFromBig(bigInt))
	}
	field.ReflectValueOf(ctx, dst).Set(value)
	return nil
}

func (U256Serializer) Value(ctx context.Context, field *schema.Field, dst reflect.Value, fieldValue interface{}) (interface{}, error) {
	if fieldValue == nil || (field.FieldType.Kind() == reflect.Pointer && reflect.ValueOf(fieldValue).IsNil()) {
		return nil, nil
	}

	switch v := fieldValue.(type) {
	case *uint256.Int:
		return v.Dec(), nil
	case *big.Int:
		if v.Sign() < 0 {
			return nil, fmt.Errorf("cannot serialize negative number as u256: %s", v)
		}
		if v.Cmp(u256BigIntOverflow) >= 0 {
			return nil, fmt.Errorf("cannot serialize number larger than u256: %s", v)
		}
		// decimal text keeps numeric columns exact
		return v.String(), nil
	}
	return nil, fmt.Errorf("can only serialize a *big.Int or *uint256.Int: %s", field.FieldType)
}
