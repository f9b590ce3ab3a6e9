package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mdp/qrterminal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tgdl/config"
	"tgdl/internal/broker"
	"tgdl/internal/upstream"
	"tgdl/internal/utils"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authorize a user session interactively (phone code or QR).",
	Run:   runLogin,
}

func init() {
	loginCmd.Flags().String("phone", "", "Phone number in international format")
	loginCmd.Flags().Bool("qr", false, "Log in by scanning a QR code instead")
}

func runLogin(cmd *cobra.Command, args []string) {
	utils.InitLogger(false, "info", "")
	log := utils.Logger.Named("Login")
	config.Load(utils.Logger, cmd)

	store, err := broker.NewSessionStore(config.ValueOf.SessionStorePath)
	if err != nil {
		log.Fatal("Session store unavailable", zap.Error(err))
	}

	useQR, _ := cmd.Flags().GetBool("qr")
	if useQR {
		loginQR(log, store)
		return
	}

	phone, _ := cmd.Flags().GetString("phone")
	if phone == "" {
		log.Fatal("Either --phone or --qr is required")
	}
	loginPhone(log, store, phone)
}

// loginPhone runs the interactive code prompt on the terminal; gotgproto's
// default conversator reads from stdin.
func loginPhone(log *zap.Logger, store *broker.SessionStore, phone string) {
	client, err := upstream.NewGotdClient(context.Background(), upstream.ClientOptions{
		APIID:   config.ValueOf.ApiID,
		APIHash: config.ValueOf.ApiHash,
		Phone:   phone,
	}, log)
	if err != nil {
		log.Fatal("Login failed", zap.Error(err))
	}
	defer client.Close()

	info := client.Self()
	data, err := client.ExportSessionString()
	if err != nil {
		log.Fatal("Session export failed", zap.Error(err))
	}
	if err := store.Save(broker.SessionBlob{
		UserID:   info.ID,
		Kind:     broker.KindNative,
		Data:     data,
		Phone:    phone,
		Username: info.Username,
	}); err != nil {
		log.Fatal("Session persist failed", zap.Error(err))
	}
	log.Sugar().Infof("Logged in as %s (id %d)", info.Username, info.ID)
}

func loginQR(log *zap.Logger, store *broker.SessionStore) {
	b := broker.New(config.ValueOf.ApiID, config.ValueOf.ApiHash, 1, store, log)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	start, err := b.StartQRLogin(ctx)
	if err != nil {
		log.Fatal("QR login failed", zap.Error(err))
	}

	fmt.Println("Scan this QR code with a logged-in Telegram app:")
	qrterminal.GenerateHalfBlock(start.TokenURL, qrterminal.L, os.Stdout)

	for {
		time.Sleep(2 * time.Second)
		status, err := b.CheckQRStatus(ctx, start.SessionKey)
		if err != nil {
			log.Fatal("QR login failed", zap.Error(err))
		}
		if status.Expired {
			log.Fatal("QR token expired, run login again")
		}
		if status.Authenticated {
			log.Sugar().Infof("Logged in as %s (id %d)", status.User.Username, status.User.ID)
			return
		}
	}
}
