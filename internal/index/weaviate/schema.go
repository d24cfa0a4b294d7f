package weaviate

import (
	"context"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// ClassName is the single Weaviate class holding all chunk objects.
const ClassName = "DocumentChunk"

// Property names of the chunk class. Where filters and object payloads must
// stay in sync with these.
const (
	PropDocumentID         = "documentId"
	PropChunkIndex         = "chunkIndex"
	PropMaxChunkSize       = "maxChunkSize"
	PropTitle              = "title"
	PropContent            = "content"
	PropSourceType         = "sourceType"
	PropMetadata           = "metadata"
	PropLastUpdated        = "lastUpdated"
	PropPublic             = "public"
	PropAccessControlList  = "accessControlList"
	PropHidden             = "hidden"
	PropGlobalBoost        = "globalBoost"
	PropSemanticIdentifier = "semanticIdentifier"
	PropSourceLinks        = "sourceLinks"
	PropDocumentSets       = "documentSets"
	PropProjectIDs         = "projectIds"
	PropTenantID           = "tenantId"
)

// SchemaClient defines the schema operations the store needs. Satisfied by
// ClientAdapter in production and by mocks in tests.
type SchemaClient interface {
	ClassExists(ctx context.Context, className string) (bool, error)
	CreateClass(ctx context.Context, class *models.Class) error
	GetClass(ctx context.Context, className string) (*models.Class, error)
	AddProperty(ctx context.Context, className string, property *models.Property) error
}

// ClientAdapter implements SchemaClient over the real client.
type ClientAdapter struct {
	Client *weaviate.Client
}

func NewClientAdapter(client *weaviate.Client) *ClientAdapter {
	return &ClientAdapter{Client: client}
}

func (a *ClientAdapter) ClassExists(ctx context.Context, className string) (bool, error) {
	return a.Client.Schema().ClassExistenceChecker().WithClassName(className).Do(ctx)
}

func (a *ClientAdapter) CreateClass(ctx context.Context, class *models.Class) error {
	return a.Client.Schema().ClassCreator().WithClass(class).Do(ctx)
}

func (a *ClientAdapter) GetClass(ctx context.Context, className string) (*models.Class, error) {
	return a.Client.Schema().ClassGetter().WithClassName(className).Do(ctx)
}

func (a *ClientAdapter) AddProperty(ctx context.Context, className string, property *models.Property) error {
	return a.Client.Schema().PropertyCreator().WithClassName(className).WithProperty(property).Do(ctx)
}

func classProperties() []*models.Property {
	return []*models.Property{
		{Name: PropDocumentID, DataType: []string{"string"}},
		{Name: PropChunkIndex, DataType: []string{"int"}},
		{Name: PropMaxChunkSize, DataType: []string{"int"}},
		{Name: PropTitle, DataType: []string{"text"}},
		{Name: PropContent, DataType: []string{"text"}},
		{Name: PropSourceType, DataType: []string{"string"}},
		{Name: PropMetadata, DataType: []string{"string[]"}},
		{Name: PropLastUpdated, DataType: []string{"date"}},
		{Name: PropPublic, DataType: []string{"boolean"}},
		{Name: PropAccessControlList, DataType: []string{"string[]"}},
		{Name: PropHidden, DataType: []string{"boolean"}},
		{Name: PropGlobalBoost, DataType: []string{"number"}},
		{Name: PropSemanticIdentifier, DataType: []string{"text"}},
		// JSON-encoded map of chunk offsets to source links.
		{Name: PropSourceLinks, DataType: []string{"text"}},
		{Name: PropDocumentSets, DataType: []string{"string[]"}},
		{Name: PropProjectIDs, DataType: []string{"int[]"}},
		{Name: PropTenantID, DataType: []string{"string"}},
	}
}

// EnsureSchema creates the chunk class when absent and backfills any missing
// properties on an existing class. Vectors are supplied by the caller, so the
// class carries no vectorizer.
func EnsureSchema(ctx context.Context, client SchemaClient) error {
	exists, err := client.ClassExists(ctx, ClassName)
	if err != nil {
		return err
	}

	properties := classProperties()

	if !exists {
		class := &models.Class{
			Class:       ClassName,
			Description: "A chunk of an indexed document",
			Vectorizer:  "none",
			Properties:  properties,
		}
		return client.CreateClass(ctx, class)
	}

	class, err := client.GetClass(ctx, ClassName)
	if err != nil {
		return err
	}

	existingProps := make(map[string]bool)
	for _, p := range class.Properties {
		existingProps[p.Name] = true
	}

	for _, p := range properties {
		if !existingProps[p.Name] {
			if err := client.AddProperty(ctx, ClassName, p); err != nil {
				return err
			}
		}
	}

	return nil
}
