package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"canvasCollab/backend/internal/collab"
	"canvasCollab/backend/internal/command"
	"canvasCollab/backend/internal/persist"
	"canvasCollab/backend/internal/scene"
)

var errQuit = errors.New("quit")

const helpText = `commands:
  rect x y w h        draw a rectangle
  ellipse x y w h     draw an ellipse
  text x y words...   draw a text element
  image path [x y]    insert a raster image
  svg path [x y]      insert an svg asset
  move id dx dy       move an element
  delete id           mark an element deleted
  select id...        change selection
  cursor x y          broadcast pointer position
  shot path           write an svg screenshot
  save                flush local storage and upload
  status              connection and scene summary
  quit`

// peer 一个命令行协作端：每条输入行变成一条画布命令走 Dispatcher
type peer struct {
	doc      *scene.Memory
	dispatch *command.Dispatcher
	collab   *collab.Coordinator // 离线时为 nil
	persist  *persist.Coordinator
	uploader persist.Uploader // 未配置时为 nil
	fs       afero.Fs
	canvasID string
	out      io.Writer
	log      zerolog.Logger
}

func (p *peer) run(ctx context.Context, in io.Reader) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	fmt.Fprintln(p.out, `type "help" for commands`)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		err := p.exec(ctx, line)
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			fmt.Fprintf(p.out, "error: %v\n", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return sc.Err()
}

func (p *peer) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	name, args := fields[0], fields[1:]
	switch name {
	case "help":
		fmt.Fprintln(p.out, helpText)
		return nil
	case "quit", "exit":
		return errQuit
	case "rect", "ellipse":
		nums, err := floats(args, 4)
		if err != nil {
			return err
		}
		typ := scene.TypeRectangle
		if name == "ellipse" {
			typ = scene.TypeEllipse
		}
		return p.run1(ctx, command.DrawElements{Elements: []scene.Element{{
			Type: typ, X: nums[0], Y: nums[1], Width: nums[2], Height: nums[3],
			StrokeColor: "#1e1e1e", StrokeWidth: 2, Opacity: 100,
		}}})
	case "text":
		if len(args) < 3 {
			return fmt.Errorf("usage: text x y words...")
		}
		nums, err := floats(args[:2], 2)
		if err != nil {
			return err
		}
		words := strings.Join(args[2:], " ")
		return p.run1(ctx, command.DrawElements{Elements: []scene.Element{{
			Type: scene.TypeText, X: nums[0], Y: nums[1], Text: words,
			Width: float64(len(words)) * 10, Height: 20, StrokeColor: "#1e1e1e", Opacity: 100,
		}}})
	case "image", "svg":
		if len(args) != 1 && len(args) != 3 {
			return fmt.Errorf("usage: %s path [x y]", name)
		}
		var x, y float64
		if len(args) == 3 {
			nums, err := floats(args[1:], 2)
			if err != nil {
				return err
			}
			x, y = nums[0], nums[1]
		}
		data, err := afero.ReadFile(p.fs, args[0])
		if err != nil {
			return err
		}
		if name == "svg" {
			return p.run1(ctx, command.InsertVectorAsset{SVG: string(data), X: x, Y: y})
		}
		mime := http.DetectContentType(data)
		dataURL := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
		return p.run1(ctx, command.InsertImage{DataURL: dataURL, MimeType: mime, X: x, Y: y})
	case "move":
		if len(args) != 3 {
			return fmt.Errorf("usage: move id dx dy")
		}
		el, ok := p.doc.Element(args[0])
		if !ok {
			return fmt.Errorf("no element %s", args[0])
		}
		nums, err := floats(args[1:], 2)
		if err != nil {
			return err
		}
		el.X += nums[0]
		el.Y += nums[1]
		return p.run1(ctx, command.UpdateElements{Elements: []scene.Element{el}})
	case "delete":
		if len(args) != 1 {
			return fmt.Errorf("usage: delete id")
		}
		el, ok := p.doc.Element(args[0])
		if !ok {
			return fmt.Errorf("no element %s", args[0])
		}
		el.IsDeleted = true
		return p.run1(ctx, command.UpdateElements{Elements: []scene.Element{el}})
	case "select":
		return p.run1(ctx, command.SelectionChanged{ElementIDs: args})
	case "cursor":
		nums, err := floats(args, 2)
		if err != nil {
			return err
		}
		if p.collab == nil {
			return collab.ErrNotConnected
		}
		return p.collab.UpdateCursor(nums[0], nums[1])
	case "shot":
		if len(args) != 1 {
			return fmt.Errorf("usage: shot path")
		}
		res, err := p.dispatch.Dispatch(ctx, command.CaptureScreenshot{MimeType: "image/svg+xml", Scale: 1})
		if err != nil {
			return err
		}
		if err := afero.WriteFile(p.fs, args[0], res.Screenshot, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(p.out, "wrote %s (%d bytes)\n", args[0], len(res.Screenshot))
		return nil
	case "save":
		return p.save(ctx)
	case "status":
		p.status()
		return nil
	}
	return fmt.Errorf("unknown command %q, try help", name)
}

func (p *peer) run1(ctx context.Context, cmd command.Command) error {
	res, err := p.dispatch.Dispatch(ctx, cmd)
	if err != nil {
		return err
	}
	if len(res.ElementIDs) > 0 {
		fmt.Fprintf(p.out, "ok %s\n", strings.Join(res.ElementIDs, " "))
	} else {
		fmt.Fprintln(p.out, "ok")
	}
	return nil
}

func (p *peer) save(ctx context.Context) error {
	if err := p.persist.Flush(); err != nil {
		return err
	}
	if p.uploader == nil {
		fmt.Fprintln(p.out, "saved locally")
		return nil
	}
	if err := p.persist.SaveToServer(ctx, p.uploader, p.canvasID); err != nil {
		return err
	}
	fmt.Fprintln(p.out, "saved")
	return nil
}

func (p *peer) status() {
	live := scene.Live(p.doc.SceneElements())
	fmt.Fprintf(p.out, "elements: %d live, scene version %d\n", len(live), scene.SceneVersion(p.doc.SceneElements()))
	if pending, ok := p.dispatch.Pending(); ok {
		fmt.Fprintf(p.out, "pending command: %s\n", pending.Key)
	}
	if p.collab == nil {
		fmt.Fprintln(p.out, "offline")
		return
	}
	st := p.collab.Status()
	fmt.Fprintf(p.out, "%s, peers %d, cursors %d\n", st.State, st.PeerCount, len(st.Cursors))
}

func floats(args []string, n int) ([]float64, error) {
	if len(args) != n {
		return nil, fmt.Errorf("want %d numbers, got %d", n, len(args))
	}
	out := make([]float64, n)
	for i, a := range args {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", a)
		}
		out[i] = v
	}
	return out, nil
}
