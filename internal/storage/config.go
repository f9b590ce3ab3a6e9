package storage

import (
	"encoding/json"
	"fmt"
	"strconv"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Config value types persisted alongside each app_config row.
const (
	TypeStr   = "str"
	TypeInt   = "int"
	TypeFloat = "float"
	TypeBool  = "bool"
	TypeList  = "list"
	TypeDict  = "dict"
)

// SetConfig upserts one typed config value. Bools are stored as "0"/"1",
// compound values as JSON.
func (s *Storage) SetConfig(key string, value any, description string) error {
	valueType, encoded, err := encodeConfigValue(value)
	if err != nil {
		return err
	}
	now := nowStamp()
	row := AppConfig{
		Key:         key,
		Value:       encoded,
		ValueType:   valueType,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return s.withRetry(func() error {
		return s.DB.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "value_type", "description", "updated_at"}),
		}).Create(&row).Error
	})
}

func encodeConfigValue(value any) (valueType, encoded string, err error) {
	switch v := value.(type) {
	case string:
		return TypeStr, v, nil
	case int:
		return TypeInt, strconv.Itoa(v), nil
	case int64:
		return TypeInt, strconv.FormatInt(v, 10), nil
	case float64:
		return TypeFloat, strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		if v {
			return TypeBool, "1", nil
		}
		return TypeBool, "0", nil
	case []string, []int, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return "", "", err
		}
		return TypeList, string(b), nil
	case map[string]any:
		b, err := json.Marshal(v)
		if err != nil {
			return "", "", err
		}
		return TypeDict, string(b), nil
	default:
		return "", "", fmt.Errorf("unsupported config value type %T", value)
	}
}

func (s *Storage) getConfigRow(key string) (AppConfig, error) {
	var row AppConfig
	err := s.DB.First(&row, "key = ?", key).Error
	return row, err
}

// GetConfigString returns "" for a missing key.
func (s *Storage) GetConfigString(key string) (string, error) {
	row, err := s.getConfigRow(key)
	if err == gorm.ErrRecordNotFound {
		return "", nil
	}
	return row.Value, err
}

func (s *Storage) GetConfigInt(key string) (int, error) {
	row, err := s.getConfigRow(key)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(row.Value)
}

func (s *Storage) GetConfigFloat(key string) (float64, error) {
	row, err := s.getConfigRow(key)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(row.Value, 64)
}

func (s *Storage) GetConfigBool(key string) (bool, error) {
	row, err := s.getConfigRow(key)
	if err != nil {
		return false, err
	}
	return row.Value == "1" || row.Value == "true", nil
}

func (s *Storage) GetConfigList(key string) ([]string, error) {
	row, err := s.getConfigRow(key)
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	if err := json.Unmarshal([]byte(row.Value), &out); err != nil {
		return nil, fmt.Errorf("decode list config %q: %w", key, err)
	}
	return out, nil
}

func (s *Storage) GetConfigDict(key string) (map[string]any, error) {
	row, err := s.getConfigRow(key)
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	if err := json.Unmarshal([]byte(row.Value), &out); err != nil {
		return nil, fmt.Errorf("decode dict config %q: %w", key, err)
	}
	return out, nil
}

// AllConfig returns every stored setting keyed by name.
func (s *Storage) AllConfig() (map[string]AppConfig, error) {
	var rows []AppConfig
	if err := s.DB.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]AppConfig, len(rows))
	for _, r := range rows {
		out[r.Key] = r
	}
	return out, nil
}
