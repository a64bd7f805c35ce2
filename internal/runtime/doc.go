// Package runtime turns a config.Config into live transports. It opens one
// connection per configured transport, builds the sender, receiver and retry
// strategy for each, and wires the failure listener and event bus that the
// workers it creates report to.
//
// Example:
//
//	cfg, _ := config.Load("")
//	rt, err := runtime.Open(ctx, cfg, logger)
//	if err != nil {
//	    return err
//	}
//	defer rt.Close()
//	w, _ := rt.NewWorker([]string{"async"}, handler)
//	err = w.Run(ctx)
package runtime
