package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/onkernel/nodelab/lib/images"
)

var imagesCmd = &cobra.Command{
	Use:     "images",
	Aliases: []string{"image"},
	Short:   "Manage the image catalog",
}

var imagesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List images",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		imgs, err := s.images.ListImages(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list images: %w", err)
		}
		formatter, err := newFormatter()
		if err != nil {
			return err
		}
		result, err := formatter.FormatImageList(imgs)
		if err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), result)
		return nil
	},
}

var imagesShowCmd = &cobra.Command{
	Use:   "show <image-id>",
	Short: "Show an image and its chain back to the base image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		img, err := s.images.GetImageWithAncestors(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get image: %w", err)
		}
		formatter, err := newFormatter()
		if err != nil {
			return err
		}
		result, err := formatter.FormatImage(img)
		if err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), result)
		return nil
	},
}

var (
	registerName        string
	registerPath        string
	registerParent      string
	registerDescription string
)

var imagesRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register an image file that exists in the image directory",
	Long: `Register a qcow2 file as a catalog image.

The path is relative to IMAGE_DIR. With --parent the image is recorded as an
overlay of an existing image; the parent must already be registered. An
overlay registered without --path is expected at IMAGE_DIR/<name>.qcow2.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		var description *string
		if registerDescription != "" {
			description = &registerDescription
		}

		var img *images.Image
		switch {
		case registerParent != "" && registerPath == "":
			img, err = s.images.CreateOverlayImage(cmd.Context(), registerParent, registerName, description)
		case registerPath == "":
			return fmt.Errorf("--path is required for a base image")
		default:
			req := images.CreateImageRequest{Name: registerName, Path: registerPath, Description: description}
			if registerParent != "" {
				req.ParentID = &registerParent
			}
			img, err = s.images.CreateImage(cmd.Context(), req)
		}
		if err != nil {
			return fmt.Errorf("failed to register image: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Registered image %s (%s)\n", img.Name, img.ID)
		return nil
	},
}

var imagesDeleteCmd = &cobra.Command{
	Use:   "delete <image-id>",
	Short: "Delete an image that no node or child image references",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.images.DeleteImage(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("failed to delete image: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted image %s\n", args[0])
		return nil
	},
}

func init() {
	imagesRegisterCmd.Flags().StringVar(&registerName, "name", "", "Image name (required)")
	imagesRegisterCmd.Flags().StringVar(&registerPath, "path", "", "Image file path relative to IMAGE_DIR (defaults to <name>.qcow2 with --parent)")
	imagesRegisterCmd.Flags().StringVar(&registerParent, "parent", "", "Parent image id")
	imagesRegisterCmd.Flags().StringVar(&registerDescription, "description", "", "Free-form description")
	_ = imagesRegisterCmd.MarkFlagRequired("name")

	imagesCmd.AddCommand(imagesListCmd, imagesShowCmd, imagesRegisterCmd, imagesDeleteCmd)
}
