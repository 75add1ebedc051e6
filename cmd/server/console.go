package main

import (
	"context"
	"fmt"
	"time"

	"github.com/eiannone/keyboard"
	"go.uber.org/zap"

	"github.com/Le-Riz/IBEF-Backend/models"
	"github.com/Le-Riz/IBEF-Backend/service"
)

// runConsole drives the bench from single keypresses, for use at the rig
// without the web UI:
//
//	z     zero FORCE
//	1..5  zero DISP_1..DISP_5
//	p     prepare a quick test with generated metadata
//	s     start the prepared test
//	t     stop the running test
//	f     finalize the stopped test
//	q/ESC quit
func runConsole(ctx context.Context, svc *service.Manager, quit context.CancelFunc, log *zap.SugaredLogger) {
	if err := keyboard.Open(); err != nil {
		log.Warnw("console disabled: cannot open keyboard", "error", err)
		return
	}
	defer keyboard.Close()

	fmt.Println("\033[32mconsole ready: [z] zero force, [1-5] zero disp, [p]repare, [s]tart, s[t]op, [f]inalize, [q]uit\033[0m")

	for ctx.Err() == nil {
		ch, key, err := keyboard.GetKey()
		if err != nil {
			log.Debugw("console read failed", "error", err)
			return
		}
		if key == keyboard.KeyEsc || key == keyboard.KeyCtrlC || ch == 'q' || ch == 'Q' {
			quit()
			return
		}

		switch {
		case ch == 'z' || ch == 'Z':
			_ = svc.Tests().Zero(models.Force)
		case ch >= '1' && ch <= '5':
			_ = svc.Tests().Zero(models.Disp1 + models.SensorID(ch-'1'))
		case ch == 'p' || ch == 'P':
			meta := models.TestMetaData{
				TestID:       "console",
				Date:         time.Now().Format("2006-01-02"),
				OperatorName: "console",
				SpecimenCode: "manual",
			}
			if prepared, err := svc.Tests().Prepare(meta); err != nil {
				log.Warnw("prepare failed", "error", err)
			} else {
				log.Infow("prepared", "test_id", prepared.TestID)
			}
		case ch == 's' || ch == 'S':
			if err := svc.Tests().Start(); err != nil {
				log.Warnw("start failed", "error", err)
			}
		case ch == 't' || ch == 'T':
			if err := svc.Tests().Stop(); err != nil {
				log.Warnw("stop failed", "error", err)
			}
		case ch == 'f' || ch == 'F':
			if err := svc.Tests().Finalize(); err != nil {
				log.Warnw("finalize failed", "error", err)
			}
		}
	}
}
