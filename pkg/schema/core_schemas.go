package schema

import "github.com/nodespace/nodespace/pkg/node"

// CoreSchemaTypes lists the nine schemas seeded on first run, ids equal to
// the type names.
var CoreSchemaTypes = []string{
	node.TypeTask,
	node.TypeText,
	node.TypeDate,
	node.TypeHeader,
	node.TypeCodeBlock,
	node.TypeQuoteBlock,
	node.TypeOrderedList,
	node.TypeCollection,
	node.TypeQuery,
}

// CoreSchemas builds the seed definitions. Task ships with enum status and
// priority plus task metadata fields; the other core types are content-only.
func CoreSchemas() []*Definition {
	return []*Definition{
		taskSchema(),
		contentOnlySchema(node.TypeText, "Text", "Free-form text block"),
		contentOnlySchema(node.TypeDate, "Date", "Daily date container; id and content are the ISO date"),
		contentOnlySchema(node.TypeHeader, "Header", "Markdown heading"),
		contentOnlySchema(node.TypeCodeBlock, "Code Block", "Fenced code block"),
		contentOnlySchema(node.TypeQuoteBlock, "Quote Block", "Block quote"),
		contentOnlySchema(node.TypeOrderedList, "Ordered List", "Numbered list collapsed into one node"),
		contentOnlySchema(node.TypeCollection, "Collection", "Label whose members are linked via member_of edges"),
		contentOnlySchema(node.TypeQuery, "Query", "Saved query definition"),
	}
}

func taskSchema() *Definition {
	return &Definition{
		Type:        node.TypeTask,
		DisplayName: "Task",
		IsCore:      true,
		Version:     1,
		Description: "Actionable task with status and priority",
		Fields: []Field{
			{
				Name:       "status",
				FieldType:  FieldEnum,
				Protection: ProtectionCore,
				CoreValues: []string{
					node.TaskStatusOpen,
					node.TaskStatusInProgress,
					node.TaskStatusDone,
					node.TaskStatusCancelled,
				},
				UserValues: []string{},
				Indexed:    true,
				Required:   true,
				Extensible: true,
				Default:    node.TaskStatusOpen,
			},
			{
				Name:       "priority",
				FieldType:  FieldEnum,
				Protection: ProtectionCore,
				CoreValues: []string{
					node.TaskPriorityLow,
					node.TaskPriorityMedium,
					node.TaskPriorityHigh,
				},
				UserValues: []string{},
				Indexed:    true,
				Extensible: true,
				Default:    node.TaskPriorityMedium,
			},
			{Name: "due_date", FieldType: FieldDate, Protection: ProtectionCore, Indexed: true},
			{Name: "started_at", FieldType: FieldDate, Protection: ProtectionSystem},
			{Name: "completed_at", FieldType: FieldDate, Protection: ProtectionSystem},
			{Name: "notes", FieldType: FieldText, Protection: ProtectionCore},
		},
	}
}

func contentOnlySchema(typ, display, desc string) *Definition {
	return &Definition{
		Type:        typ,
		DisplayName: display,
		IsCore:      true,
		Version:     1,
		Description: desc,
		Fields:      []Field{},
	}
}
