package engine_test

import (
	"errors"
	"fmt"

	"github.com/cirrusops/cirrus/pkg/engine"
)

// Example_lockManager shows how deployments for one machine are serialised.
func Example_lockManager() {
	locks := engine.NewLockManager(func(machineID, deploymentID string) {
		fmt.Printf("%s granted to %s\n", machineID, deploymentID)
	})

	fmt.Println(locks.Acquire("m-1", "reboot-1"))
	fmt.Println(locks.Acquire("m-1", "restart-2"))
	fmt.Println(locks.Acquire("m-2", "destroy-3"))

	locks.ReleaseIfHeld("m-1", "reboot-1")
	holder, _ := locks.Holder("m-1")
	fmt.Println("holder:", holder)

	// Output:
	// granted
	// queued
	// granted
	// m-1 granted to restart-2
	// holder: restart-2
}

// Example_retryPolicy shows the delays between apply attempts.
func Example_retryPolicy() {
	policy := engine.DefaultRetryPolicy()

	fmt.Println("attempts:", policy.MaxAttempts())
	for retry := 1; retry < policy.MaxAttempts(); retry++ {
		fmt.Printf("retry %d after %s\n", retry, policy.Delay(retry))
	}

	// Output:
	// attempts: 4
	// retry 1 after 1s
	// retry 2 after 2s
	// retry 3 after 4s
}

// Example_errorClassification shows how classified errors drive retries.
func Example_errorClassification() {
	err := engine.NewTransientError("rate limited", nil).
		WithCode(engine.ErrCodeRateLimited).
		WithOperation("reboot").
		WithProvider(engine.ProviderDigitalOcean)

	fmt.Println(err)
	fmt.Println("retryable:", engine.ClassOf(err).IsRetryable())
	fmt.Println("rate limited:", errors.Is(err, &engine.DeploymentError{
		Class: engine.ErrorClassTransient,
		Code:  engine.ErrCodeRateLimited,
	}))

	// Output:
	// transient: rate limited (operation=reboot, provider=digitalocean)
	// retryable: true
	// rate limited: true
}
