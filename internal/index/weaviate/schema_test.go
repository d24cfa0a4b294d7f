package weaviate

import (
	"context"
	"testing"

	"github.com/weaviate/weaviate/entities/models"
)

type MockSchemaClient struct {
	CreatedClass    *models.Class
	ExistingClass   *models.Class
	AddedProperties []*models.Property
}

func (m *MockSchemaClient) ClassExists(ctx context.Context, className string) (bool, error) {
	return m.ExistingClass != nil, nil
}

func (m *MockSchemaClient) CreateClass(ctx context.Context, class *models.Class) error {
	m.CreatedClass = class
	return nil
}

func (m *MockSchemaClient) GetClass(ctx context.Context, className string) (*models.Class, error) {
	return m.ExistingClass, nil
}

func (m *MockSchemaClient) AddProperty(ctx context.Context, className string, property *models.Property) error {
	m.AddedProperties = append(m.AddedProperties, property)
	return nil
}

func TestEnsureSchema_CreatesClass(t *testing.T) {
	client := &MockSchemaClient{}
	if err := EnsureSchema(context.Background(), client); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}

	if client.CreatedClass == nil {
		t.Fatal("Class not created")
	}
	if client.CreatedClass.Vectorizer != "none" {
		t.Errorf("Vectorizer = %q, want none", client.CreatedClass.Vectorizer)
	}

	expectedProps := map[string]string{
		PropDocumentID:        "string",
		PropChunkIndex:        "int",
		PropContent:           "text",
		PropMetadata:          "string[]",
		PropLastUpdated:       "date",
		PropAccessControlList: "string[]",
		PropHidden:            "boolean",
		PropGlobalBoost:       "number",
	}

	found := make(map[string]bool)
	for _, prop := range client.CreatedClass.Properties {
		found[prop.Name] = true
		if expectedType, ok := expectedProps[prop.Name]; ok {
			if len(prop.DataType) == 0 || prop.DataType[0] != expectedType {
				t.Errorf("Property %s has wrong DataType: %v (expected %s)", prop.Name, prop.DataType, expectedType)
			}
		}
	}
	for name := range expectedProps {
		if !found[name] {
			t.Errorf("Missing property %q", name)
		}
	}
}

func TestEnsureSchema_AddsMissingProperties(t *testing.T) {
	existingClass := &models.Class{
		Class: ClassName,
		Properties: []*models.Property{
			{Name: PropContent, DataType: []string{"text"}},
			{Name: PropDocumentID, DataType: []string{"string"}},
		},
	}

	client := &MockSchemaClient{ExistingClass: existingClass}
	if err := EnsureSchema(context.Background(), client); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}

	if client.CreatedClass != nil {
		t.Fatal("Should not recreate class if it exists")
	}
	if len(client.AddedProperties) == 0 {
		t.Fatal("Should have added properties")
	}

	addedNames := make(map[string]bool)
	for _, p := range client.AddedProperties {
		addedNames[p.Name] = true
	}

	if !addedNames[PropAccessControlList] {
		t.Errorf("Missing %q property", PropAccessControlList)
	}
	if !addedNames[PropTenantID] {
		t.Errorf("Missing %q property", PropTenantID)
	}
	if addedNames[PropContent] {
		t.Errorf("Should not re-add existing %q property", PropContent)
	}
}
