package processors

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"projectEstimate/storage"
)

const (
	// retrainBatchLimit bounds how much history one retraining pass pulls.
	retrainBatchLimit = 500

	// minRetrainSamples is the smallest batch worth fitting on; below this
	// the job exits without touching the stored weights.
	minRetrainSamples = 5

	retrainEpochs = 10

	retrainLockName = "retrain.lock"
)

// RunRetraining pulls accumulated feedback and updates the regression
// model's weights offline. It is invoked as a separate scheduled command,
// never per-request, and takes an exclusive lock so two invocations cannot
// overlap on the weight file.
func RunRetraining(ctx context.Context, store storage.FeedbackStore, model *RegressionModel) error {
	log.Printf("Starting offline regression model retraining loop...")

	unlock, err := acquireRetrainLock(filepath.Dir(model.WeightsPath()))
	if err != nil {
		return err
	}
	defer unlock()

	batch, err := store.GetTrainingBatch(ctx, retrainBatchLimit)
	if err != nil {
		return fmt.Errorf("fetch training batch: %w", err)
	}

	total := batch.Len()
	log.Printf("Fetched %d historical projects with ground truth data", total)
	if total < minRetrainSamples {
		log.Printf("Not enough data to warrant retraining, require at least %d samples, exiting", minRetrainSamples)
		return nil
	}

	log.Printf("Fitting regression weights on %d samples (%d epochs)...", total, retrainEpochs)
	model.Fit(batch, retrainEpochs)

	if err := model.Save(); err != nil {
		return fmt.Errorf("persist retrained weights: %w", err)
	}
	log.Printf("Retraining successful, weights saved to %s", model.WeightsPath())
	return nil
}

// acquireRetrainLock creates the lock file exclusively; a second concurrent
// invocation fails fast instead of racing on the weight save.
func acquireRetrainLock(modelDir string) (func(), error) {
	if err := os.MkdirAll(modelDir, 0755); err != nil {
		return nil, fmt.Errorf("create model dir: %w", err)
	}
	lockPath := filepath.Join(modelDir, retrainLockName)
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("retraining already in progress (lock file %s exists)", lockPath)
		}
		return nil, fmt.Errorf("acquire retrain lock: %w", err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()
	return func() { os.Remove(lockPath) }, nil
}
