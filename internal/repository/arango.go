package repository

import (
	"context"
	"fmt"

	"github.com/arangodb/go-driver"
	log "github.com/sirupsen/logrus"

	"github.com/aosanya/workflowcore/internal/instance"
	"github.com/aosanya/workflowcore/internal/wferrors"
)

const (
	instancesCollection     = "workflow_instances"
	nodeInstancesCollection = "node_instances"
	taskInstancesCollection = "task_instances"
)

// ArangoRepository implements Repository against ArangoDB. Grounded on
// the teacher's orchestration.Repository / workflow.ArangoRepository
// collection-ensuring pattern, applied to the three instance collections
// instead of workflows/executions.
type ArangoRepository struct {
	db     driver.Database
	logger *log.Logger

	instances *driver.Collection
	nodes     *driver.Collection
	tasks     *driver.Collection
}

// NewArangoRepository opens (creating if absent) the three collections
// this repository needs and returns a ready-to-use Repository.
func NewArangoRepository(ctx context.Context, db driver.Database, logger *log.Logger) (*ArangoRepository, error) {
	r := &ArangoRepository{db: db, logger: logger}

	for _, name := range []string{instancesCollection, nodeInstancesCollection, taskInstancesCollection} {
		if err := r.ensureCollection(ctx, name); err != nil {
			return nil, fmt.Errorf("ensure collection %s: %w", name, err)
		}
	}
	return r, nil
}

func (r *ArangoRepository) ensureCollection(ctx context.Context, name string) error {
	exists, err := r.db.CollectionExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		if _, err := r.db.CreateCollection(ctx, name, nil); err != nil {
			return err
		}
		r.logger.WithField("collection", name).Info("created collection")
	}
	return nil
}

func (r *ArangoRepository) collection(ctx context.Context, name string) (driver.Collection, error) {
	return r.db.Collection(ctx, name)
}

func (r *ArangoRepository) CreateInstance(ctx context.Context, wi *instance.WorkflowInstance) error {
	col, err := r.collection(ctx, instancesCollection)
	if err != nil {
		return wferrors.Wrap(wferrors.ExternalError, "open instances collection", err)
	}
	doc := arangoInstanceDoc{Key: wi.InstanceID, WorkflowInstance: wi}
	if _, err := col.CreateDocument(ctx, doc); err != nil {
		return wferrors.Wrap(wferrors.ExternalError, "create instance document", err)
	}
	return nil
}

func (r *ArangoRepository) UpdateInstance(ctx context.Context, instanceID string, fields map[string]interface{}) error {
	col, err := r.collection(ctx, instancesCollection)
	if err != nil {
		return wferrors.Wrap(wferrors.ExternalError, "open instances collection", err)
	}
	if _, err := col.UpdateDocument(ctx, instanceID, fields); err != nil {
		if driver.IsNotFound(err) {
			return wferrors.New(wferrors.NotFound, "instance not found: "+instanceID)
		}
		return wferrors.Wrap(wferrors.ExternalError, "update instance document", err)
	}
	return nil
}

func (r *ArangoRepository) GetInstance(ctx context.Context, instanceID string) (*instance.WorkflowInstance, error) {
	col, err := r.collection(ctx, instancesCollection)
	if err != nil {
		return nil, wferrors.Wrap(wferrors.ExternalError, "open instances collection", err)
	}
	var doc arangoInstanceDoc
	doc.WorkflowInstance = &instance.WorkflowInstance{}
	if _, err := col.ReadDocument(ctx, instanceID, &doc); err != nil {
		if driver.IsNotFound(err) {
			return nil, wferrors.New(wferrors.NotFound, "instance not found: "+instanceID)
		}
		return nil, wferrors.Wrap(wferrors.ExternalError, "read instance document", err)
	}
	return doc.WorkflowInstance, nil
}

func (r *ArangoRepository) ListActiveFor(ctx context.Context, templateBaseID, executorID string) ([]*instance.WorkflowInstance, error) {
	col, err := r.collection(ctx, instancesCollection)
	if err != nil {
		return nil, wferrors.Wrap(wferrors.ExternalError, "open instances collection", err)
	}
	query := fmt.Sprintf(
		"FOR d IN %s FILTER d.template_id == @tid AND d.executor_id == @eid AND d.status NOT IN [\"COMPLETED\",\"FAILED\",\"CANCELLED\"] RETURN d",
		col.Name(),
	)
	cursor, err := r.db.Query(ctx, query, map[string]interface{}{"tid": templateBaseID, "eid": executorID})
	if err != nil {
		return nil, wferrors.Wrap(wferrors.ExternalError, "query active instances", err)
	}
	defer cursor.Close()

	var out []*instance.WorkflowInstance
	for {
		var doc arangoInstanceDoc
		doc.WorkflowInstance = &instance.WorkflowInstance{}
		if _, err := cursor.ReadDocument(ctx, &doc); driver.IsNoMoreDocuments(err) {
			break
		} else if err != nil {
			return nil, wferrors.Wrap(wferrors.ExternalError, "read active instance", err)
		}
		out = append(out, doc.WorkflowInstance)
	}
	return out, nil
}

// arangoInstanceDoc carries the ArangoDB document key alongside the
// embedded domain type; the driver marshals WorkflowInstance's own json
// tags for every other field.
type arangoInstanceDoc struct {
	Key string `json:"_key"`
	*instance.WorkflowInstance
}

// Node/task persistence follow the same shape: each row is stored under its
// own id as _key and read back by key (GetNode, GetTask) or by an AQL
// filter on instance_id / node_instance_id (ListNodesByInstance,
// ListTasksByInstance, ListTasksByNodeInstance, ListPendingAgentTasks).

func (r *ArangoRepository) CreateNode(ctx context.Context, ni *instance.NodeInstance) error {
	col, err := r.collection(ctx, nodeInstancesCollection)
	if err != nil {
		return wferrors.Wrap(wferrors.ExternalError, "open node_instances collection", err)
	}
	_, err = col.CreateDocument(ctx, arangoNodeDoc{Key: ni.NodeInstanceID, NodeInstance: ni})
	if err != nil {
		return wferrors.Wrap(wferrors.ExternalError, "create node document", err)
	}
	return nil
}

func (r *ArangoRepository) UpdateNode(ctx context.Context, nodeInstanceID string, fields map[string]interface{}) error {
	col, err := r.collection(ctx, nodeInstancesCollection)
	if err != nil {
		return wferrors.Wrap(wferrors.ExternalError, "open node_instances collection", err)
	}
	if _, err := col.UpdateDocument(ctx, nodeInstanceID, fields); err != nil {
		if driver.IsNotFound(err) {
			return wferrors.New(wferrors.NotFound, "node instance not found: "+nodeInstanceID)
		}
		return wferrors.Wrap(wferrors.ExternalError, "update node document", err)
	}
	return nil
}

func (r *ArangoRepository) GetNode(ctx context.Context, nodeInstanceID string) (*instance.NodeInstance, error) {
	col, err := r.collection(ctx, nodeInstancesCollection)
	if err != nil {
		return nil, wferrors.Wrap(wferrors.ExternalError, "open node_instances collection", err)
	}
	var doc arangoNodeDoc
	doc.NodeInstance = &instance.NodeInstance{}
	if _, err := col.ReadDocument(ctx, nodeInstanceID, &doc); err != nil {
		if driver.IsNotFound(err) {
			return nil, wferrors.New(wferrors.NotFound, "node instance not found: "+nodeInstanceID)
		}
		return nil, wferrors.Wrap(wferrors.ExternalError, "read node document", err)
	}
	return doc.NodeInstance, nil
}

func (r *ArangoRepository) ListNodesByInstance(ctx context.Context, instanceID string) ([]*instance.NodeInstance, error) {
	return listByInstance[instance.NodeInstance](ctx, r.db, nodeInstancesCollection, instanceID)
}

type arangoNodeDoc struct {
	Key string `json:"_key"`
	*instance.NodeInstance
}

func (r *ArangoRepository) CreateTask(ctx context.Context, ti *instance.TaskInstance) error {
	col, err := r.collection(ctx, taskInstancesCollection)
	if err != nil {
		return wferrors.Wrap(wferrors.ExternalError, "open task_instances collection", err)
	}
	_, err = col.CreateDocument(ctx, arangoTaskDoc{Key: ti.TaskID, TaskInstance: ti})
	if err != nil {
		return wferrors.Wrap(wferrors.ExternalError, "create task document", err)
	}
	return nil
}

func (r *ArangoRepository) UpdateTask(ctx context.Context, taskID string, fields map[string]interface{}) error {
	col, err := r.collection(ctx, taskInstancesCollection)
	if err != nil {
		return wferrors.Wrap(wferrors.ExternalError, "open task_instances collection", err)
	}
	if _, err := col.UpdateDocument(ctx, taskID, fields); err != nil {
		if driver.IsNotFound(err) {
			return wferrors.New(wferrors.NotFound, "task not found: "+taskID)
		}
		return wferrors.Wrap(wferrors.ExternalError, "update task document", err)
	}
	return nil
}

func (r *ArangoRepository) GetTask(ctx context.Context, taskID string) (*instance.TaskInstance, error) {
	col, err := r.collection(ctx, taskInstancesCollection)
	if err != nil {
		return nil, wferrors.Wrap(wferrors.ExternalError, "open task_instances collection", err)
	}
	var doc arangoTaskDoc
	doc.TaskInstance = &instance.TaskInstance{}
	if _, err := col.ReadDocument(ctx, taskID, &doc); err != nil {
		if driver.IsNotFound(err) {
			return nil, wferrors.New(wferrors.NotFound, "task not found: "+taskID)
		}
		return nil, wferrors.Wrap(wferrors.ExternalError, "read task document", err)
	}
	return doc.TaskInstance, nil
}

func (r *ArangoRepository) ListTasksByNodeInstance(ctx context.Context, nodeInstanceID string) ([]*instance.TaskInstance, error) {
	return queryTasks(ctx, r.db, "d.node_instance_id == @id", map[string]interface{}{"id": nodeInstanceID})
}

func (r *ArangoRepository) ListTasksByInstance(ctx context.Context, instanceID string) ([]*instance.TaskInstance, error) {
	return queryTasks(ctx, r.db, "d.instance_id == @id", map[string]interface{}{"id": instanceID})
}

func (r *ArangoRepository) ListPendingAgentTasks(ctx context.Context, limit int) ([]*instance.TaskInstance, error) {
	if limit <= 0 {
		limit = 100
	}
	return queryTasks(ctx, r.db,
		"d.status == \"PENDING\" AND d.task_type IN [\"AGENT\",\"MIXED\"] LIMIT @lim",
		map[string]interface{}{"lim": limit})
}

type arangoTaskDoc struct {
	Key string `json:"_key"`
	*instance.TaskInstance
}

func queryTasks(ctx context.Context, db driver.Database, filter string, bind map[string]interface{}) ([]*instance.TaskInstance, error) {
	query := fmt.Sprintf("FOR d IN %s FILTER %s RETURN d", taskInstancesCollection, filter)
	cursor, err := db.Query(ctx, query, bind)
	if err != nil {
		return nil, wferrors.Wrap(wferrors.ExternalError, "query tasks", err)
	}
	defer cursor.Close()

	var out []*instance.TaskInstance
	for {
		var doc arangoTaskDoc
		doc.TaskInstance = &instance.TaskInstance{}
		if _, err := cursor.ReadDocument(ctx, &doc); driver.IsNoMoreDocuments(err) {
			break
		} else if err != nil {
			return nil, wferrors.Wrap(wferrors.ExternalError, "read task row", err)
		}
		out = append(out, doc.TaskInstance)
	}
	return out, nil
}

func listByInstance[T any](ctx context.Context, db driver.Database, collection, instanceID string) ([]*T, error) {
	query := fmt.Sprintf("FOR d IN %s FILTER d.instance_id == @id RETURN d", collection)
	cursor, err := db.Query(ctx, query, map[string]interface{}{"id": instanceID})
	if err != nil {
		return nil, wferrors.Wrap(wferrors.ExternalError, "query by instance", err)
	}
	defer cursor.Close()

	var out []*T
	for {
		var v T
		if _, err := cursor.ReadDocument(ctx, &v); driver.IsNoMoreDocuments(err) {
			break
		} else if err != nil {
			return nil, wferrors.Wrap(wferrors.ExternalError, "read row", err)
		}
		out = append(out, &v)
	}
	return out, nil
}
