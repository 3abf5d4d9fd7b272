package database

const maxIdentifierLength = 190

// objectRecord stores one document of a class as JSON.
type objectRecord struct {
	ClassName        string `gorm:"column:class_name;primaryKey;size:190;not null"`
	ObjectID         string `gorm:"column:object_id;primaryKey;size:190;not null"`
	Document         string `gorm:"column:document;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index"`
}

func (objectRecord) TableName() string {
	return "objects"
}

// schemaRecord stores one class schema as JSON.
type schemaRecord struct {
	ClassName  string `gorm:"column:class_name;primaryKey;size:190;not null"`
	Definition string `gorm:"column:definition;type:text;not null"`
}

func (schemaRecord) TableName() string {
	return "schemas"
}

// relationJoin links an owning object to a related object through a relation field.
type relationJoin struct {
	JoinTable string `gorm:"column:join_table;primaryKey;size:190;not null"`
	OwningID  string `gorm:"column:owning_id;primaryKey;size:190;not null"`
	RelatedID string `gorm:"column:related_id;primaryKey;size:190;not null;index"`
}

func (relationJoin) TableName() string {
	return "relation_joins"
}
