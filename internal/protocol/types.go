package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// Table represents an AMQP field table
type Table map[string]interface{}

// ReadShortString reads a short string (max 255 bytes)
func ReadShortString(r io.Reader) (string, error) {
	var length uint8
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return "", err
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}

	return string(buf), nil
}

// WriteShortString writes a short string
func WriteShortString(w io.Writer, s string) error {
	if len(s) > 255 {
		return fmt.Errorf("short string too long: %d", len(s))
	}

	if err := binary.Write(w, binary.BigEndian, uint8(len(s))); err != nil {
		return err
	}

	_, err := io.WriteString(w, s)
	return err
}

// ReadLongString reads a long string
func ReadLongString(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	return buf, nil
}

// WriteLongString writes a long string
func WriteLongString(w io.Writer, data []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}

	_, err := w.Write(data)
	return err
}

// ReadTable reads an AMQP field table
func ReadTable(r io.Reader) (Table, error) {
	data, err := ReadLongString(r)
	if err != nil {
		return nil, err
	}

	table := make(Table)
	buf := bytes.NewReader(data)

	for buf.Len() > 0 {
		name, err := ReadShortString(buf)
		if err != nil {
			return nil, err
		}

		value, err := readFieldValue(buf)
		if err != nil {
			return nil, err
		}

		table[name] = value
	}

	return table, nil
}

// WriteTable writes an AMQP field table
func WriteTable(w io.Writer, table Table) error {
	if len(table) == 0 {
		return binary.Write(w, binary.BigEndian, uint32(0))
	}

	// Encode contents first to learn the table length
	var buf bytes.Buffer
	for name, value := range table {
		if err := WriteShortString(&buf, name); err != nil {
			return err
		}

		if err := writeFieldValue(&buf, value); err != nil {
			return err
		}
	}

	return WriteLongString(w, buf.Bytes())
}

// readFieldValue reads a field value based on its type indicator
func readFieldValue(r io.Reader) (interface{}, error) {
	var kind byte
	if err := binary.Read(r, binary.BigEndian, &kind); err != nil {
		return nil, err
	}

	switch kind {
	case 't': // Boolean
		var b uint8
		if err := binary.Read(r, binary.BigEndian, &b); err != nil {
			return nil, err
		}
		return b != 0, nil

	case 'b': // Signed 8-bit
		var i int8
		err := binary.Read(r, binary.BigEndian, &i)
		return i, err

	case 'B': // Unsigned 8-bit
		var i uint8
		err := binary.Read(r, binary.BigEndian, &i)
		return i, err

	case 's': // Signed 16-bit
		var i int16
		err := binary.Read(r, binary.BigEndian, &i)
		return i, err

	case 'u': // Unsigned 16-bit
		var i uint16
		err := binary.Read(r, binary.BigEndian, &i)
		return i, err

	case 'I': // Signed 32-bit
		var i int32
		err := binary.Read(r, binary.BigEndian, &i)
		return i, err

	case 'i': // Unsigned 32-bit
		var i uint32
		err := binary.Read(r, binary.BigEndian, &i)
		return i, err

	case 'l': // Signed 64-bit
		var i int64
		err := binary.Read(r, binary.BigEndian, &i)
		return i, err

	case 'f': // 32-bit float
		var f float32
		err := binary.Read(r, binary.BigEndian, &f)
		return f, err

	case 'd': // 64-bit float
		var f float64
		err := binary.Read(r, binary.BigEndian, &f)
		return f, err

	case 'S': // Long string
		return ReadLongString(r)

	case 'A': // Array
		return readArray(r)

	case 'T': // Timestamp
		var ts int64
		if err := binary.Read(r, binary.BigEndian, &ts); err != nil {
			return nil, err
		}
		return time.Unix(ts, 0), nil

	case 'F': // Nested table
		return ReadTable(r)

	case 'V': // Void/null
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown field type: %c", kind)
	}
}

// writeFieldValue writes a field value with its type indicator
func writeFieldValue(w io.Writer, value interface{}) error {
	writeKind := func(kind byte) error {
		return binary.Write(w, binary.BigEndian, kind)
	}

	switch v := value.(type) {
	case bool:
		if err := writeKind('t'); err != nil {
			return err
		}
		var b uint8
		if v {
			b = 1
		}
		return binary.Write(w, binary.BigEndian, b)

	case int8:
		if err := writeKind('b'); err != nil {
			return err
		}
		return binary.Write(w, binary.BigEndian, v)

	case uint8:
		if err := writeKind('B'); err != nil {
			return err
		}
		return binary.Write(w, binary.BigEndian, v)

	case int16:
		if err := writeKind('s'); err != nil {
			return err
		}
		return binary.Write(w, binary.BigEndian, v)

	case uint16:
		if err := writeKind('u'); err != nil {
			return err
		}
		return binary.Write(w, binary.BigEndian, v)

	case int32:
		if err := writeKind('I'); err != nil {
			return err
		}
		return binary.Write(w, binary.BigEndian, v)

	case uint32:
		if err := writeKind('i'); err != nil {
			return err
		}
		return binary.Write(w, binary.BigEndian, v)

	case int64:
		if err := writeKind('l'); err != nil {
			return err
		}
		return binary.Write(w, binary.BigEndian, v)

	case int:
		if err := writeKind('I'); err != nil {
			return err
		}
		return binary.Write(w, binary.BigEndian, int32(v))

	case float32:
		if err := writeKind('f'); err != nil {
			return err
		}
		return binary.Write(w, binary.BigEndian, v)

	case float64:
		if err := writeKind('d'); err != nil {
			return err
		}
		return binary.Write(w, binary.BigEndian, v)

	case string:
		if err := writeKind('S'); err != nil {
			return err
		}
		return WriteLongString(w, []byte(v))

	case []byte:
		if err := writeKind('S'); err != nil {
			return err
		}
		return WriteLongString(w, v)

	case time.Time:
		if err := writeKind('T'); err != nil {
			return err
		}
		return binary.Write(w, binary.BigEndian, v.Unix())

	case Table:
		if err := writeKind('F'); err != nil {
			return err
		}
		return WriteTable(w, v)

	case []interface{}:
		if err := writeKind('A'); err != nil {
			return err
		}
		return writeArray(w, v)

	case nil:
		return writeKind('V')

	default:
		return fmt.Errorf("unsupported field value type: %T", value)
	}
}

// readArray reads an array of field values
func readArray(r io.Reader) ([]interface{}, error) {
	data, err := ReadLongString(r)
	if err != nil {
		return nil, err
	}

	values := []interface{}{}
	buf := bytes.NewReader(data)

	for buf.Len() > 0 {
		value, err := readFieldValue(buf)
		if err != nil {
			return nil, err
		}
		values = append(values, value)
	}

	return values, nil
}

// writeArray writes an array of field values
func writeArray(w io.Writer, values []interface{}) error {
	var buf bytes.Buffer
	for _, value := range values {
		if err := writeFieldValue(&buf, value); err != nil {
			return err
		}
	}

	return WriteLongString(w, buf.Bytes())
}
