package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

//
// JobRecord is what the registry keeps about one launched job
//
type JobRecord struct {
	Name      string   `json:"name"`
	Backend   string   `json:"backend"`
	Image     string   `json:"image"`
	Args      []string `json:"args,omitempty"`
	HandleID  string   `json:"handle_id,omitempty"`
	Namespace string   `json:"namespace,omitempty"`
	Error     string   `json:"error,omitempty"`
}

type JobRecords []JobRecord

func (j *JobRecords) Scan(value interface{}) error {
	var b []byte
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported job records column type %T", value)
	}
	return json.Unmarshal(b, j)
}

// Value to db
func (j JobRecords) Value() (driver.Value, error) {
	res, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(res), nil
}

// GormDBDataType picks the json column type of the connected dialect.
func (JobRecords) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	if db.Dialector.Name() == "postgres" {
		return "jsonb"
	}
	return "json"
}
