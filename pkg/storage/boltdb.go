package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/stagehq/stagehand/pkg/errdefs"
	"github.com/stagehq/stagehand/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketServices   = []byte("services")
	bucketRevisions  = []byte("revisions")
	bucketDeployment = []byte("deployments")
	bucketAttempts   = []byte("attempts")
	bucketPromotions = []byte("promotions")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "stagehand.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketServices,
			bucketRevisions,
			bucketDeployment,
			bucketAttempts,
			bucketPromotions,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Service operations

func (s *BoltStore) PutService(service *types.Service) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		data, err := json.Marshal(service)
		if err != nil {
			return err
		}
		return b.Put([]byte(service.ID), data)
	})
}

func (s *BoltStore) GetService(id string) (*types.Service, error) {
	var service types.Service
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		data := b.Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("service %s", id)
		}
		return json.Unmarshal(data, &service)
	})
	if err != nil {
		return nil, err
	}
	return &service, nil
}

func (s *BoltStore) GetServiceByName(name string) (*types.Service, error) {
	var found *types.Service
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		return b.ForEach(func(k, v []byte) error {
			var service types.Service
			if err := json.Unmarshal(v, &service); err != nil {
				return err
			}
			if service.Name == name {
				found = &service
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errdefs.NotFound("service %s", name)
	}
	return found, nil
}

func (s *BoltStore) ListServices() ([]*types.Service, error) {
	var services []*types.Service
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		return b.ForEach(func(k, v []byte) error {
			var service types.Service
			if err := json.Unmarshal(v, &service); err != nil {
				return err
			}
			services = append(services, &service)
			return nil
		})
	})
	return services, err
}

func (s *BoltStore) DeleteService(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		return b.Delete([]byte(id))
	})
}

// Revision operations

func (s *BoltStore) PutRevision(rev *types.Revision) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRevisions)
		data, err := json.Marshal(rev)
		if err != nil {
			return err
		}
		return b.Put([]byte(rev.ID), data)
	})
}

func (s *BoltStore) GetRevision(id string) (*types.Revision, error) {
	var rev types.Revision
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRevisions)
		data := b.Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("revision %s", id)
		}
		return json.Unmarshal(data, &rev)
	})
	if err != nil {
		return nil, err
	}
	return &rev, nil
}

func (s *BoltStore) ListRevisions(repo string) ([]*types.Revision, error) {
	var revisions []*types.Revision
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRevisions)
		return b.ForEach(func(k, v []byte) error {
			var rev types.Revision
			if err := json.Unmarshal(v, &rev); err != nil {
				return err
			}
			if repo == "" || rev.Repo == repo {
				revisions = append(revisions, &rev)
			}
			return nil
		})
	})
	return revisions, err
}

// Deployment operations

func (s *BoltStore) PutDeployment(dep *types.Deployment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putDeployment(tx, dep)
	})
}

func putDeployment(tx *bolt.Tx, dep *types.Deployment) error {
	b := tx.Bucket(bucketDeployment)
	data, err := json.Marshal(dep)
	if err != nil {
		return err
	}
	return b.Put([]byte(dep.Key()), data)
}

func getDeployment(tx *bolt.Tx, serviceID, env string) (*types.Deployment, error) {
	b := tx.Bucket(bucketDeployment)
	data := b.Get([]byte(types.DeploymentKey(serviceID, env)))
	if data == nil {
		return nil, errdefs.NotFound("deployment %s/%s", serviceID, env)
	}
	var dep types.Deployment
	if err := json.Unmarshal(data, &dep); err != nil {
		return nil, err
	}
	return &dep, nil
}

func (s *BoltStore) GetDeployment(serviceID, env string) (*types.Deployment, error) {
	var dep *types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		dep, err = getDeployment(tx, serviceID, env)
		return err
	})
	if err != nil {
		return nil, err
	}
	return dep, nil
}

func (s *BoltStore) ListDeployments(serviceID string) ([]*types.Deployment, error) {
	var deployments []*types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployment)
		return b.ForEach(func(k, v []byte) error {
			var dep types.Deployment
			if err := json.Unmarshal(v, &dep); err != nil {
				return err
			}
			if serviceID == "" || dep.ServiceID == serviceID {
				deployments = append(deployments, &dep)
			}
			return nil
		})
	})
	return deployments, err
}

// CASDeployment swaps the deployment's revision only when the stored
// revision matches expectedRevisionID. The check and write share one
// bolt transaction, which serializes concurrent attempts.
func (s *BoltStore) CASDeployment(serviceID, env, expectedRevisionID, newRevisionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		dep, err := getDeployment(tx, serviceID, env)
		if err != nil {
			return err
		}
		if dep.RevisionID != expectedRevisionID {
			return errdefs.Conflict("deployment %s/%s: revision is %q, expected %q",
				serviceID, env, dep.RevisionID, expectedRevisionID)
		}
		dep.RevisionID = newRevisionID
		dep.UpdatedAt = time.Now()
		return putDeployment(tx, dep)
	})
}

// ClearFailure resets a failed deployment to stable so automatic
// promotion may resume.
func (s *BoltStore) ClearFailure(serviceID, env string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		dep, err := getDeployment(tx, serviceID, env)
		if err != nil {
			return err
		}
		if dep.Status != types.DeploymentStatusFailed {
			return errdefs.Invalid("deployment %s/%s is %s, not failed", serviceID, env, dep.Status)
		}
		dep.Status = types.DeploymentStatusStable
		dep.ActiveAttemptID = ""
		dep.UpdatedAt = time.Now()
		return putDeployment(tx, dep)
	})
}

// Attempt operations

func putAttempt(tx *bolt.Tx, attempt *types.RolloutAttempt) error {
	b := tx.Bucket(bucketAttempts)
	data, err := json.Marshal(attempt)
	if err != nil {
		return err
	}
	return b.Put([]byte(attempt.ID), data)
}

// BeginAttempt admits an attempt against its deployment. Admission and
// the active-attempt check are atomic: at most one attempt holds a
// deployment at a time.
func (s *BoltStore) BeginAttempt(attempt *types.RolloutAttempt) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		dep, err := getDeployment(tx, attempt.ServiceID, attempt.Environment)
		if err != nil {
			return err
		}
		if dep.ActiveAttemptID != "" {
			return errdefs.Conflict("deployment %s/%s has active attempt %s",
				attempt.ServiceID, attempt.Environment, dep.ActiveAttemptID)
		}
		dep.ActiveAttemptID = attempt.ID
		dep.Status = types.DeploymentStatusRollingOut
		dep.UpdatedAt = time.Now()
		if err := putDeployment(tx, dep); err != nil {
			return err
		}
		return putAttempt(tx, attempt)
	})
}

func (s *BoltStore) UpdateAttempt(attempt *types.RolloutAttempt) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putAttempt(tx, attempt)
	})
}

// FinishAttempt writes the terminal attempt record and releases the
// deployment. A failed attempt leaves the deployment marked failed and
// excluded from automatic promotion until cleared.
func (s *BoltStore) FinishAttempt(attempt *types.RolloutAttempt) error {
	if !attempt.State.Terminal() {
		return errdefs.Invalid("attempt %s state %s is not terminal", attempt.ID, attempt.State)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putAttempt(tx, attempt); err != nil {
			return err
		}
		dep, err := getDeployment(tx, attempt.ServiceID, attempt.Environment)
		if err != nil {
			return err
		}
		if dep.ActiveAttemptID == attempt.ID {
			dep.ActiveAttemptID = ""
			if attempt.State == types.AttemptStateFailed {
				dep.Status = types.DeploymentStatusFailed
			} else {
				dep.Status = types.DeploymentStatusStable
			}
			dep.UpdatedAt = time.Now()
			return putDeployment(tx, dep)
		}
		return nil
	})
}

func (s *BoltStore) GetAttempt(id string) (*types.RolloutAttempt, error) {
	var attempt types.RolloutAttempt
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttempts)
		data := b.Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("attempt %s", id)
		}
		return json.Unmarshal(data, &attempt)
	})
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (s *BoltStore) ListAttempts(serviceID, env string) ([]*types.RolloutAttempt, error) {
	var attempts []*types.RolloutAttempt
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttempts)
		return b.ForEach(func(k, v []byte) error {
			var attempt types.RolloutAttempt
			if err := json.Unmarshal(v, &attempt); err != nil {
				return err
			}
			if serviceID != "" && attempt.ServiceID != serviceID {
				return nil
			}
			if env != "" && attempt.Environment != env {
				return nil
			}
			attempts = append(attempts, &attempt)
			return nil
		})
	})
	return attempts, err
}

func (s *BoltStore) ListActiveAttempts() ([]*types.RolloutAttempt, error) {
	var attempts []*types.RolloutAttempt
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttempts)
		return b.ForEach(func(k, v []byte) error {
			var attempt types.RolloutAttempt
			if err := json.Unmarshal(v, &attempt); err != nil {
				return err
			}
			if !attempt.State.Terminal() {
				attempts = append(attempts, &attempt)
			}
			return nil
		})
	})
	return attempts, err
}

// Promotion operations

func (s *BoltStore) PutPromotion(p *types.Promotion) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPromotions)
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put([]byte(p.ID), data)
	})
}

func (s *BoltStore) GetPromotion(id string) (*types.Promotion, error) {
	var p types.Promotion
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPromotions)
		data := b.Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("promotion %s", id)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) ListPromotions(serviceID string) ([]*types.Promotion, error) {
	var promotions []*types.Promotion
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPromotions)
		return b.ForEach(func(k, v []byte) error {
			var p types.Promotion
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if serviceID == "" || p.ServiceID == serviceID {
				promotions = append(promotions, &p)
			}
			return nil
		})
	})
	return promotions, err
}

func (s *BoltStore) ListPendingPromotions() ([]*types.Promotion, error) {
	var promotions []*types.Promotion
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPromotions)
		return b.ForEach(func(k, v []byte) error {
			var p types.Promotion
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.State == types.PromotionStatePendingApproval {
				promotions = append(promotions, &p)
			}
			return nil
		})
	})
	return promotions, err
}
